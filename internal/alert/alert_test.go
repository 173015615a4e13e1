package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingSink) Notify(_ context.Context, severity Severity, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, severity.String()+":"+message)
	return nil
}

func TestDispatcherFiltersBySeverity(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Warning, 8, zap.NewNop(), sink)
	d.Start()

	ctx := context.Background()
	require.NoError(t, d.Notify(ctx, Info, "heartbeat"))
	require.NoError(t, d.Notify(ctx, Warning, "repaired BTCUSDT"))
	require.NoError(t, d.Notify(ctx, Critical, "kill switch"))
	d.Stop()

	assert.Equal(t, []string{"warning:repaired BTCUSDT", "critical:kill switch"}, sink.messages)
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, Critical, ParseSeverity("CRITICAL"))
	assert.Equal(t, Warning, ParseSeverity("warn"))
	assert.Equal(t, Info, ParseSeverity(""))
}

func TestNewTelegramDisabledWithoutCredentials(t *testing.T) {
	assert.Nil(t, NewTelegram("", "123"))
	assert.Nil(t, NewTelegram("token", ""))
}

func TestTelegramPostsMessage(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("abc", "42")
	tg.baseURL = srv.URL
	require.NoError(t, tg.Notify(context.Background(), Critical, "emergency close BTCUSDT"))

	assert.Equal(t, "/botabc/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.True(t, strings.Contains(got["text"], "emergency close BTCUSDT"))
}

func TestTelegramReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tg := NewTelegram("abc", "42")
	tg.baseURL = srv.URL
	err := tg.Notify(context.Background(), Info, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
