// Package api 提供操作员接口: 状态查询、暂停/恢复、平仓、
// 日志查询、Prometheus 指标以及 websocket 事件流。
package api

import (
	"binance-regime-bot-go/internal/models"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// TokenHeader 携带操作员令牌
const TokenHeader = "X-API-Token"

// Controller 是操作员 API 驱动的机器人接口
type Controller interface {
	Status() models.Status
	Pause(symbol string)
	Resume(symbol string)
	Flatten(ctx context.Context, symbol string) error
	Recent(kind string, limit int) ([]models.JournalEntry, error)
}

type Server struct {
	ctrl    Controller
	hub     *Hub
	metrics http.Handler
	token   string
	logger  *zap.Logger
	srv     *http.Server
}

// NewServer 创建 HTTP 服务。metrics 可以为 nil。token 为空时
// 只读接口保持开放, 所有修改类接口被禁用。
func NewServer(listen, token string, ctrl Controller, hub *Hub, metrics http.Handler, logger *zap.Logger) *Server {
	s := &Server{ctrl: ctrl, hub: hub, metrics: metrics, token: token, logger: logger}
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler 返回带路由的处理器
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.read(s.handleStatus))
	mux.HandleFunc("GET /api/journal/{kind}", s.read(s.handleJournal))
	mux.HandleFunc("POST /api/pause", s.write(s.handlePause))
	mux.HandleFunc("POST /api/resume", s.write(s.handleResume))
	mux.HandleFunc("POST /api/flatten", s.write(s.handleFlatten))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.read(s.hub.ServeWS))
	}
	return mux
}

// Start 在后台提供服务直到 Shutdown
func (s *Server) Start() {
	go func() {
		s.logger.Info("operator API listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("operator API stopped", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) authorised(r *http.Request) bool {
	got := r.Header.Get(TokenHeader)
	if got == "" {
		// 浏览器无法在 websocket 握手时设置请求头
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *Server) read(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && !s.authorised(r) {
			writeError(w, http.StatusUnauthorized, "invalid or missing "+TokenHeader)
			return
		}
		next(w, r)
	}
}

func (s *Server) write(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			writeError(w, http.StatusForbidden, "operator token not configured")
			return
		}
		if !s.authorised(r) {
			writeError(w, http.StatusUnauthorized, "invalid or missing "+TokenHeader)
			return
		}
		s.logger.Info("operator command", zap.String("path", r.URL.Path), zap.String("symbol", r.URL.Query().Get("symbol")))
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.ctrl.Recent(r.PathValue("kind"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	s.ctrl.Pause(symbol)
	writeJSON(w, http.StatusOK, map[string]string{"paused": scope(symbol)})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	s.ctrl.Resume(symbol)
	writeJSON(w, http.StatusOK, map[string]string{"resumed": scope(symbol)})
}

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if err := s.ctrl.Flatten(r.Context(), symbol); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"flattened": scope(symbol)})
}

func scope(symbol string) string {
	if symbol == "" {
		return "all"
	}
	return symbol
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
