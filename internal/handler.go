package internal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/room-coordinator/pkg/errors"
	"github.com/koopa0/system-design/room-coordinator/pkg/logger"
)

// Handler HTTP 請求處理器
type Handler struct {
	manager *Manager
	hub     *WebSocketHub
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, hub *WebSocketHub, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		hub:     hub,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestID(h.loggerMiddleware(handler)))
	}

	// 房間管理 API
	mux.HandleFunc("POST /api/v1/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoomDetail))
	mux.HandleFunc("DELETE /api/v1/rooms/{room_id}", wrap(h.disposeRoom))

	// 玩家連線
	mux.HandleFunc("GET /ws/rooms/{room_id}", wrap(h.connect))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

type createRoomRequest struct {
	Capacity int `json:"capacity"`
}

// createRoom 創建房間
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	// 空 body 代表使用預設容量
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}
	}

	room, err := h.manager.CreateRoom(r.Context(), req.Capacity)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"room_id":    room.ID(),
		"capacity":   room.Capacity(),
		"state":      room.State(),
		"created_at": room.CreatedAt(),
	}, http.StatusCreated)
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page := 1
	if p := query.Get("page"); p != "" {
		if val, err := strconv.Atoi(p); err == nil && val > 0 {
			page = val
		}
	}

	limit := 20
	if l := query.Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	rooms, total := h.manager.ListRooms(page, limit)

	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": total,
		"page":  page,
	}, http.StatusOK)
}

// getRoomDetail 獲取房間詳情
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	room, err := h.manager.GetRoom(r.PathValue("room_id"))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, room.Snapshot(r.Context()), http.StatusOK)
}

// disposeRoom 銷毀房間
func (h *Handler) disposeRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	if err := h.manager.DisposeRoom(r.Context(), roomID); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"room_id": roomID,
		"state":   StateDisposed,
	}, http.StatusOK)
}

// connect 升級為 WebSocket 並加入房間
func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	room, err := h.manager.GetRoom(r.PathValue("room_id"))
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.hub.ServeRoom(w, r.WithContext(logger.WithRoom(r.Context(), room.ID())), room)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.manager.Stats()
	stats["connections"] = h.hub.ConnectionCount()
	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	if err := writeJSON(w, data, status); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應，5xx 額外記錄日誌
func (h *Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	if apperrors.HTTPStatus(err) >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "處理請求失敗", "error", err)
	}
	writeError(w, err)
}

// writeJSON 寫出 JSON
func writeJSON(w http.ResponseWriter, data any, status int) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// writeError 依錯誤碼寫出錯誤響應
//
// 格式：{"error": {"code": "ROOM_FULL", "message": "room is full", "details": "..."}}
// 非 AppError 不外洩內部訊息。
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.New(apperrors.ErrCodeInternal, "internal server error")
	}
	_ = writeJSON(w, map[string]any{"error": appErr}, apperrors.HTTPStatus(err))
}

// requestID 為每個請求附上 request_id（沿用上游的 X-Request-ID）
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "HTTP 請求",
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
				h.logger.Error("處理請求時發生 panic",
					"error", rec,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, r, fmt.Errorf("panic: %v", rec))
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack WebSocket 升級需要接管底層連線
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
