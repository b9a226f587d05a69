// Package handler 房間瀏覽用的 HTTP API 與健康檢查
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/arcade-sync/internal/protocol"
	"github.com/koopa0/arcade-sync/internal/ratelimit"
	"github.com/koopa0/arcade-sync/internal/room"
	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
)

// limiterTimeout 限流檢查的逾時
const limiterTimeout = 100 * time.Millisecond

// ConnectionCounter 提供連線數（由 hub 實作）
type ConnectionCounter interface {
	ConnectionCount() int
}

// Handler HTTP 請求處理器
type Handler struct {
	registry *room.Registry
	gates    *ratelimit.Gates
	conns    ConnectionCounter
	logger   *slog.Logger
	started  time.Time
}

// New 建立處理器；gates 與 conns 可為 nil
func New(registry *room.Registry, gates *ratelimit.Gates, conns ConnectionCounter, logger *slog.Logger) *Handler {
	if gates == nil {
		gates = ratelimit.NewGates(nil)
	}
	return &Handler{
		registry: registry,
		gates:    gates,
		conns:    conns,
		logger:   logger.With("component", "http"),
		started:  time.Now(),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoom))
	mux.HandleFunc("POST /api/v1/rooms", wrap(h.rateLimit(ratelimit.ActionRoomCreate, clientIP, h.createRoom)))

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

type createRoomRequest struct {
	MaxPlayers int `json:"max_players"`
}

// listRooms 列出房間；沒有 status 參數時只列出可加入的房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	var rooms []room.Room
	switch status := room.Status(r.URL.Query().Get("status")); {
	case status == "":
		rooms = h.registry.GetAvailableRooms()
	case status.Valid():
		rooms = h.registry.ListRooms(status)
	default:
		h.appError(w, apperrors.ErrValidation.WithDetails("unknown status: "+string(status)))
		return
	}

	states := make([]protocol.RoomStatePayload, len(rooms))
	for i, rm := range rooms {
		states[i] = rm.State()
	}

	h.jsonResponse(w, map[string]any{
		"rooms": states,
		"total": len(states),
	}, http.StatusOK)
}

// getRoom 房間詳情
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	rm, err := h.registry.GetRoom(r.PathValue("room_id"))
	if err != nil {
		h.appError(w, err)
		return
	}
	h.jsonResponse(w, rm.State(), http.StatusOK)
}

// createRoom 建立房間，body 可省略
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<12)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.appError(w, apperrors.ErrValidation.WithDetails("invalid request body"))
		return
	}

	rm, err := h.registry.CreateRoom(req.MaxPlayers)
	if err != nil {
		h.appError(w, err)
		return
	}
	h.jsonResponse(w, rm.State(), http.StatusCreated)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	s := h.registry.Stats()
	connections := 0
	if h.conns != nil {
		connections = h.conns.ConnectionCount()
	}
	h.jsonResponse(w, map[string]any{
		"rooms":          s.TotalRooms,
		"players":        s.TotalPlayers,
		"searchers":      s.Searchers,
		"rooms_by_state": s.ByStatus,
		"connections":    connections,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}, http.StatusOK)
}

// rateLimit 限流中間件，超過配額返回 429
func (h *Handler) rateLimit(action ratelimit.Action, key func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), limiterTimeout)
		defer cancel()

		res := h.gates.Check(ctx, action, key(r))
		if res.Remaining >= 0 {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.ResetAt.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		}
		if !res.Allowed {
			retry := int(math.Ceil(time.Until(res.ResetAt).Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
			h.appError(w, apperrors.RateLimited(string(action), res.Remaining, res.ResetAt))
			return
		}
		next(w, r)
	}
}

// clientIP 以遠端位址作為限流識別碼
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusFor 錯誤碼對應的 HTTP 狀態
func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeRoomNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeRoomFull, apperrors.ErrCodeRoomInProgress, apperrors.ErrCodeInvalidState,
		apperrors.ErrCodeAlreadyInRoom, apperrors.ErrCodeNotEnoughPlayers:
		return http.StatusConflict
	case apperrors.ErrCodeNotHost:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode json failed", "error", err)
	}
}

// appError 以 error 事件相同的格式返回錯誤
func (h *Handler) appError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.jsonResponse(w, map[string]any{
		"error": protocol.ErrorPayloadFrom(err),
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic while handling request",
					"error", rec,
					"method", r.Method,
					"path", r.URL.Path)
				h.appError(w, apperrors.ErrInternal)
			}
		}()
		next(w, r)
	}
}

// responseWriter 記錄狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
