package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/koopa0/system-design/room-coordinator/pkg/errors"
	"github.com/koopa0/system-design/room-coordinator/pkg/logger"
)

// 系統設計問題：
//   如何把房間的事件推送給每個玩家，同時讓慢客戶端不拖累整個房間？
//
// 核心挑戰：
//   1. 准入要在升級前完成，才能用 HTTP 狀態碼回報「房間已滿」
//   2. 准入時房間會立刻推送 roomState，此時 WebSocket 尚未建立
//   3. 心跳：檢測死連接（網絡異常、客戶端崩潰）
//   4. 房間銷毀時要關閉該房間所有連接
//
// 設計方案：
//   ✅ 先登記連接（只有 send 緩衝），再准入，最後升級
//   ✅ Hub 實作 Transport：Send 只做非阻塞 channel 寫入
//   ✅ Ping/Pong 心跳（預設 9s/10s，短於重連寬限）
//   ✅ 監聽 room.Done()，房間結束即關閉連接

// ErrNotConnected 該 session 沒有連接
var ErrNotConnected = apperrors.New(apperrors.ErrCodeNotFound, "session not connected")

// WebSocketHub WebSocket 連接中心
//
// 系統設計考量：
//
//  1. 連接映射：map[roomID]map[sessionID]*Connection
//     - 兩層 map：快速定位房間和 session
//
//  2. 並發安全：RWMutex
//     - Send 頻繁（讀鎖），登記/註銷少（寫鎖）
//     - send channel 只在寫鎖下關閉，Send 持讀鎖寫入，不會寫入已關閉的 channel
type WebSocketHub struct {
	cfg         WebSocketConfig
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	connections map[string]map[string]*Connection // roomID -> sessionID -> Connection
	mu          sync.RWMutex
}

// Connection WebSocket 連接
type Connection struct {
	SessionID string
	RoomID    string

	room      *Room
	conn      *websocket.Conn
	send      chan []byte
	hub       *WebSocketHub
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(cfg WebSocketConfig, logger *slog.Logger) *WebSocketHub {
	return &WebSocketHub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[string]map[string]*Connection),
	}
}

// ServeRoom 把 HTTP 請求升級為房間連接
//
// 流程：檢查握手 → 登記 → Admit → Upgrade。
// 任何一步失敗都會撤銷前面的步驟；Admit 失敗時以對應的 HTTP 狀態碼回應。
func (hub *WebSocketHub) ServeRoom(w http.ResponseWriter, r *http.Request, room *Room) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	name := r.URL.Query().Get("name")

	c := &Connection{
		SessionID: sessionID,
		RoomID:    room.ID(),
		room:      room,
		send:      make(chan []byte, hub.cfg.SendBuffer),
		hub:       hub,
		closed:    make(chan struct{}),
	}

	// 升級條件先檢查，避免准入成功後才發現無法升級
	if !hub.upgradeable(r) {
		writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "websocket upgrade required"))
		return
	}

	if !hub.register(c) {
		writeError(w, apperrors.ErrAlreadyJoined.WithDetails(sessionID))
		return
	}

	result, err := room.Admit(r.Context(), sessionID, name)
	if err != nil {
		hub.unregister(c)
		writeError(w, err)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err, "room_id", room.ID(), "session_id", sessionID)
		if hub.unregister(c) {
			_, _ = room.Leave(context.Background(), sessionID, false)
		}
		return
	}
	c.conn = conn

	go c.watchRoom()
	go c.writePump()
	go c.readPump()

	hub.logger.InfoContext(logger.WithSession(r.Context(), sessionID), "WebSocket 連接建立",
		"reconnected", result.Reconnected,
		"evicted", result.Evicted)
}

// upgradeable 請求是否滿足 WebSocket 握手條件
func (hub *WebSocketHub) upgradeable(r *http.Request) bool {
	if r.Method != http.MethodGet || !websocket.IsWebSocketUpgrade(r) {
		return false
	}
	if r.Header.Get("Sec-Websocket-Version") != "13" || r.Header.Get("Sec-Websocket-Key") == "" {
		return false
	}
	return hub.upgrader.CheckOrigin == nil || hub.upgrader.CheckOrigin(r)
}

// Send 實作 Transport：非阻塞寫入該 session 的發送緩衝
func (hub *WebSocketHub) Send(roomID, sessionID string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	c, ok := hub.connections[roomID][sessionID]
	if !ok {
		return ErrNotConnected.WithDetails(sessionID)
	}

	select {
	case c.send <- data:
		return nil
	default:
		// 連接緩衝區滿了，丟棄這則訊息，不阻塞房間
		return fmt.Errorf("連接緩衝區滿: session %s", sessionID)
	}
}

// register 登記連接；同一 session 已有連接時返回 false
func (hub *WebSocketHub) register(c *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.connections[c.RoomID] == nil {
		hub.connections[c.RoomID] = make(map[string]*Connection)
	}
	if _, exists := hub.connections[c.RoomID][c.SessionID]; exists {
		return false
	}
	hub.connections[c.RoomID][c.SessionID] = c
	return true
}

// unregister 取消登記並關閉發送緩衝
//
// 只有當前登記的那個連接會返回 true，呼叫者據此決定是否通知房間離開。
func (hub *WebSocketHub) unregister(c *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	roomConns, exists := hub.connections[c.RoomID]
	if !exists {
		return false
	}
	actual, exists := roomConns[c.SessionID]
	if !exists || actual != c {
		return false
	}

	delete(roomConns, c.SessionID)
	if len(roomConns) == 0 {
		delete(hub.connections, c.RoomID)
	}

	// 使用 sync.Once 確保 channel 只關閉一次
	c.closeOnce.Do(func() {
		close(c.send)
		close(c.closed)
	})
	return true
}

// ConnectionCount 各房間的連接數
func (hub *WebSocketHub) ConnectionCount() map[string]int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	result := make(map[string]int, len(hub.connections))
	for roomID, conns := range hub.connections {
		result[roomID] = len(conns)
	}
	return result
}

// Stop 關閉所有連接
func (hub *WebSocketHub) Stop() {
	hub.mu.RLock()
	var conns []*Connection
	for _, roomConns := range hub.connections {
		for _, c := range roomConns {
			conns = append(conns, c)
		}
	}
	hub.mu.RUnlock()

	// 只關閉發送緩衝，writePump 送出 close frame 後結束
	for _, c := range conns {
		hub.unregister(c)
	}

	hub.logger.Info("WebSocket Hub 已停止", "connections", len(conns))
}

// watchRoom 房間結束時關閉連接
func (c *Connection) watchRoom() {
	select {
	case <-c.room.Done():
		c.hub.unregister(c)
	case <-c.closed:
	}
}

// readPump 讀取客戶端消息
//
// 系統設計：心跳機制（讀取端）
//   - PongWait 內沒有收到任何消息（包括 Pong）就關閉連接
//   - 收到 Pong → 重置超時
//
// 連接結束時，只有仍登記中的連接會通知房間 Leave；
// 被 Hub 主動關閉（房間銷毀、服務停止）的連接不會再回頭觸發 Leave。
func (c *Connection) readPump() {
	defer func() {
		if c.hub.unregister(c) {
			if _, err := c.room.Leave(context.Background(), c.SessionID, false); err != nil {
				c.hub.logger.Debug("通知房間離開失敗",
					"room_id", c.RoomID,
					"session_id", c.SessionID,
					"error", err)
			}
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket 讀取錯誤",
					"error", err,
					"room_id", c.RoomID,
					"session_id", c.SessionID)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("解析客戶端消息失敗",
				"error", err,
				"room_id", c.RoomID,
				"session_id", c.SessionID)
			continue
		}

		if err := c.room.HandleMessage(context.Background(), c.SessionID, msg); err != nil {
			// 房間已結束
			return
		}
	}
}

// writePump 寫入消息到客戶端
//
// 系統設計：心跳機制（發送端）
//   - 每 PingPeriod 發送 Ping，PingPeriod 必須短於 PongWait
//   - 發送緩衝被關閉時送出 close frame 後結束
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，嘗試送出 close frame，忽略錯誤（連接可能已關閉）
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
