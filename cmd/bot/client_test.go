package main

import (
	"binance-regime-bot-go/internal/api"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsTokenAndSymbol(t *testing.T) {
	var gotToken, gotSymbol, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(api.TokenHeader)
		gotSymbol = r.URL.Query().Get("symbol")
		gotMethod = r.Method
		_, _ = w.Write([]byte(`{"paused":"ETHUSDT"}`))
	}))
	defer srv.Close()

	c := &apiClient{base: srv.URL, token: "secret", http: srv.Client()}
	out, err := c.command("pause", []string{"ethusdt"})
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", out["paused"])
	assert.Equal(t, "secret", gotToken)
	assert.Equal(t, "ETHUSDT", gotSymbol)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestClientSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"operator token not configured"}`))
	}))
	defer srv.Close()

	c := &apiClient{base: srv.URL, http: srv.Client()}
	_, err := c.command("flatten", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operator token not configured")
	assert.Contains(t, err.Error(), "403")
}
