package internal

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/room-coordinator/pkg/errors"
)

// RoomSummary 房間列表項目
type RoomSummary struct {
	RoomID    string    `json:"room_id"`
	Capacity  int       `json:"capacity"`
	Players   int       `json:"current_players"`
	Pending   int       `json:"pending_reconnections"`
	State     RoomState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// ManagerOption 管理器選項
type ManagerOption func(*Manager)

// WithTransport 指定房間使用的傳輸層
func WithTransport(t Transport) ManagerOption {
	return func(m *Manager) {
		m.transport = t
	}
}

// WithNotifier 指定生命週期事件發布者
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) {
		m.notifier = n
	}
}

// Manager 房間管理器
//
// 只負責「這個進程持有哪些房間」；房間內部狀態由各自的事件循環管理。
// 房間銷毀（不論空房到期或明確刪除）都會透過 OnDisposed 回到這裡移除索引。
type Manager struct {
	rooms   map[string]*Room // roomID -> Room
	opening int              // 正在分配 ID 的房間數（計入上限）
	stopped bool
	mu      sync.RWMutex

	cfg       RoomConfig
	allocator *Allocator
	transport Transport
	notifier  Notifier
	logger    *slog.Logger
}

// NewManager 創建房間管理器
func NewManager(cfg RoomConfig, allocator *Allocator, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		rooms:     make(map[string]*Room),
		cfg:       cfg,
		allocator: allocator,
		transport: nopTransport{},
		notifier:  NopNotifier{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRoom 創建並開放房間
//
// capacity 為 0 時使用預設容量。
func (m *Manager) CreateRoom(ctx context.Context, capacity int) (*Room, error) {
	if capacity == 0 {
		capacity = m.cfg.Capacity
	}
	if capacity < 1 || capacity > m.cfg.MaxCapacity {
		return nil, apperrors.ErrInvalidCapacity.WithDetails(
			fmt.Sprintf("capacity must be 1-%d, got %d", m.cfg.MaxCapacity, capacity))
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeUnavailable, "room manager is stopped")
	}
	if m.cfg.MaxRooms > 0 && len(m.rooms)+m.opening >= m.cfg.MaxRooms {
		m.mu.Unlock()
		return nil, apperrors.ErrTooManyRooms.WithDetails(fmt.Sprintf("max_rooms=%d", m.cfg.MaxRooms))
	}
	m.opening++
	m.mu.Unlock()

	room := NewRoom(capacity, m.cfg, RoomDeps{
		Allocator:  m.allocator,
		Transport:  m.transport,
		Notifier:   m.notifier,
		Logger:     m.logger,
		OnDisposed: m.forget,
	})

	if err := room.Open(ctx); err != nil {
		m.mu.Lock()
		m.opening--
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.opening--
	if m.stopped {
		m.mu.Unlock()
		_ = room.Dispose(ctx)
		return nil, apperrors.New(apperrors.ErrCodeUnavailable, "room manager is stopped")
	}
	m.rooms[room.ID()] = room
	m.mu.Unlock()

	return room, nil
}

// GetRoom 獲取房間（ID 不分大小寫）
func (m *Manager) GetRoom(roomID string) (*Room, error) {
	m.mu.RLock()
	room, exists := m.rooms[strings.ToUpper(roomID)]
	m.mu.RUnlock()

	if !exists {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	return room, nil
}

// DisposeRoom 銷毀房間
func (m *Manager) DisposeRoom(ctx context.Context, roomID string) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}
	return room.Dispose(ctx)
}

// ListRooms 列出房間（依建立時間排序，page 從 1 開始）
func (m *Manager) ListRooms(page, limit int) ([]RoomSummary, int) {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	slices.SortFunc(rooms, func(a, b *Room) int {
		if c := a.CreatedAt().Compare(b.CreatedAt()); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})

	total := len(rooms)

	// 分頁
	start := (page - 1) * limit
	end := start + limit
	if start < 0 || start >= total {
		return []RoomSummary{}, total
	}
	if end > total {
		end = total
	}

	result := make([]RoomSummary, 0, end-start)
	for _, room := range rooms[start:end] {
		result = append(result, RoomSummary{
			RoomID:    room.ID(),
			Capacity:  room.Capacity(),
			Players:   room.PlayerCount(),
			Pending:   room.Pending(),
			State:     room.State(),
			CreatedAt: room.CreatedAt(),
		})
	}
	return result, total
}

// Stats 獲取統計資訊
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stateCount := make(map[RoomState]int)
	totalPlayers := 0
	totalPending := 0

	for _, room := range m.rooms {
		stateCount[room.State()]++
		totalPlayers += room.PlayerCount()
		totalPending += room.Pending()
	}

	return map[string]any{
		"total_rooms":   len(m.rooms),
		"total_players": totalPlayers,
		"total_pending": totalPending,
		"by_state":      stateCount,
	}
}

// forget 房間銷毀後移除索引
func (m *Manager) forget(room *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rooms[room.ID()] == room {
		delete(m.rooms, room.ID())
		m.logger.Info("房間已移除", "room_id", room.ID())
	}
}

// Stop 停止管理器並銷毀所有房間
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	m.stopped = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, room := range rooms {
		wg.Add(1)
		go func(r *Room) {
			defer wg.Done()
			if err := r.Dispose(ctx); err != nil {
				m.logger.Warn("關閉房間時發生錯誤", "room_id", r.ID(), "error", err)
			}
		}(room)
	}
	wg.Wait()

	m.logger.Info("房間管理器已停止", "rooms", len(rooms))
}
