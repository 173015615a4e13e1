package api

import (
	"binance-regime-bot-go/internal/metrics"
	"binance-regime-bot-go/internal/models"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockController struct {
	mu         sync.Mutex
	paused     []string
	resumed    []string
	flattened  []string
	flattenErr error
	kind       string
	limit      int
}

func (m *mockController) Status() models.Status {
	return models.Status{Mode: "paper", KillSwitch: true, KillReason: "daily-loss-cap"}
}

func (m *mockController) Pause(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = append(m.paused, symbol)
}

func (m *mockController) Resume(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumed = append(m.resumed, symbol)
}

func (m *mockController) Flatten(_ context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flattened = append(m.flattened, symbol)
	return m.flattenErr
}

func (m *mockController) Recent(kind string, limit int) ([]models.JournalEntry, error) {
	m.kind, m.limit = kind, limit
	return []models.JournalEntry{{Kind: kind, Payload: json.RawMessage(`{"action":"none"}`)}}, nil
}

func newTestServer(token string, ctrl Controller, hub *Hub) http.Handler {
	return NewServer(":0", token, ctrl, hub, metrics.New().Handler(), zap.NewNop()).Handler()
}

func do(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsOpen(t *testing.T) {
	h := newTestServer("secret", &mockController{}, nil)
	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestStatusRequiresToken(t *testing.T) {
	h := newTestServer("secret", &mockController{}, nil)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/status", "wrong").Code)

	rec := do(t, h, http.MethodGet, "/api/status", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	var st models.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.KillSwitch)
	assert.Equal(t, "daily-loss-cap", st.KillReason)
}

func TestCommands(t *testing.T) {
	ctrl := &mockController{}
	h := newTestServer("secret", ctrl, nil)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/pause?symbol=ETHUSDT", "secret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/resume", "secret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/flatten?symbol=all", "secret").Code)

	assert.Equal(t, []string{"ETHUSDT"}, ctrl.paused)
	assert.Equal(t, []string{""}, ctrl.resumed)
	assert.Equal(t, []string{"all"}, ctrl.flattened)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/pause", "secret").Code)
}

func TestFlattenFailureIsReported(t *testing.T) {
	ctrl := &mockController{flattenErr: errors.New("exchange unavailable")}
	h := newTestServer("secret", ctrl, nil)

	rec := do(t, h, http.MethodPost, "/api/flatten?symbol=BTCUSDT", "secret")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "exchange unavailable")
}

func TestCommandsDisabledWithoutToken(t *testing.T) {
	ctrl := &mockController{}
	h := newTestServer("", ctrl, nil)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/status", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/api/pause", "").Code)
	assert.Empty(t, ctrl.paused)
}

func TestJournalQuery(t *testing.T) {
	ctrl := &mockController{}
	h := newTestServer("secret", ctrl, nil)

	rec := do(t, h, http.MethodGet, "/api/journal/reconciliation?limit=5", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reconciliation", ctrl.kind)
	assert.Equal(t, 5, ctrl.limit)
	assert.Contains(t, rec.Body.String(), `"action":"none"`)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/journal/trade?limit=x", "secret").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer("secret", &mockController{}, nil)
	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bot_kill_switch")
}

func TestWebsocketReceivesBroadcast(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(newTestServer("secret", &mockController{}, hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	hub.Broadcast("regime", models.RegimeSnapshot{Symbol: "BTCUSDT", Regime: models.RegimeRange})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "regime", ev.Type)
	assert.Contains(t, string(msg), "RANGE")
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	srv := httptest.NewServer(newTestServer("secret", &mockController{}, hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
