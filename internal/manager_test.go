package internal_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/room-coordinator/internal"
	apperrors "github.com/koopa0/system-design/room-coordinator/pkg/errors"
	"github.com/koopa0/system-design/room-coordinator/pkg/logger"
)

// newTestManager 使用記憶體 Presence 的管理器，測試結束時停止
func newTestManager(t *testing.T, cfg internal.RoomConfig, presence internal.Presence, opts ...internal.ManagerOption) *internal.Manager {
	t.Helper()
	manager := internal.NewManager(cfg, newTestAllocator(t, presence), logger.Discard(), opts...)
	t.Cleanup(func() {
		manager.Stop(context.Background())
	})
	return manager
}

// TestManager_CreateRoom 測試創建房間
func TestManager_CreateRoom(t *testing.T) {
	tests := []struct {
		name         string
		capacity     int
		wantCapacity int
		wantErr      *apperrors.AppError
	}{
		{name: "default capacity", capacity: 0, wantCapacity: 4},
		{name: "explicit capacity", capacity: 2, wantCapacity: 2},
		{name: "max capacity", capacity: 16, wantCapacity: 16},
		{name: "negative capacity", capacity: -1, wantErr: apperrors.ErrInvalidCapacity},
		{name: "over max capacity", capacity: 17, wantErr: apperrors.ErrInvalidCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			presence := internal.NewMemoryPresence()
			manager := newTestManager(t, testRoomConfig(), presence)

			room, err := manager.CreateRoom(context.Background(), tt.capacity)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, room)

				members, _ := presence.ListMembers(context.Background(), "GameRoom")
				assert.Empty(t, members)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantCapacity, room.Capacity())
			assert.Equal(t, internal.StateOpen, room.State())

			members, _ := presence.ListMembers(context.Background(), "GameRoom")
			assert.Equal(t, []string{room.ID()}, members)
		})
	}
}

// TestManager_MaxRooms 房間數達上限後拒絕，銷毀後釋出名額
func TestManager_MaxRooms(t *testing.T) {
	cfg := testRoomConfig()
	cfg.MaxRooms = 2
	manager := newTestManager(t, cfg, internal.NewMemoryPresence())
	ctx := context.Background()

	first, err := manager.CreateRoom(ctx, 0)
	require.NoError(t, err)
	_, err = manager.CreateRoom(ctx, 0)
	require.NoError(t, err)

	_, err = manager.CreateRoom(ctx, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTooManyRooms)

	require.NoError(t, manager.DisposeRoom(ctx, first.ID()))

	_, err = manager.CreateRoom(ctx, 0)
	assert.NoError(t, err)
}

// TestManager_CreateRoomRegistryUnavailable 分配失敗不佔用名額
func TestManager_CreateRoomRegistryUnavailable(t *testing.T) {
	cfg := testRoomConfig()
	cfg.MaxRooms = 1
	presence := &countingPresence{
		Presence: internal.NewMemoryPresence(),
		listErr:  errors.New("connection refused"),
	}
	manager := newTestManager(t, cfg, presence)

	for i := 0; i < 3; i++ {
		_, err := manager.CreateRoom(context.Background(), 0)
		require.Error(t, err)
		assert.True(t, apperrors.IsUnavailable(err))
	}

	rooms, total := manager.ListRooms(1, 10)
	assert.Empty(t, rooms)
	assert.Zero(t, total)
}

// TestManager_AlphabetRoomsReachable 各種合法字元集產生的房間都能被查到
func TestManager_AlphabetRoomsReachable(t *testing.T) {
	for _, alphabet := range []string{"0123456789", "ABCDEFGHJKMNPQRSTUVWXYZ23456789"} {
		t.Run(alphabet, func(t *testing.T) {
			cfg := testAllocatorConfig()
			cfg.Alphabet = alphabet
			allocator, err := internal.NewAllocator(internal.NewMemoryPresence(), cfg, logger.Discard())
			require.NoError(t, err)

			manager := internal.NewManager(testRoomConfig(), allocator, logger.Discard())
			t.Cleanup(func() { manager.Stop(context.Background()) })

			room, err := manager.CreateRoom(context.Background(), 2)
			require.NoError(t, err)

			got, err := manager.GetRoom(room.ID())
			require.NoError(t, err)
			assert.Same(t, room, got)
			require.NoError(t, manager.DisposeRoom(context.Background(), room.ID()))
		})
	}
}

// TestManager_GetRoom ID 不分大小寫
func TestManager_GetRoom(t *testing.T) {
	manager := newTestManager(t, testRoomConfig(), internal.NewMemoryPresence())

	room, err := manager.CreateRoom(context.Background(), 0)
	require.NoError(t, err)

	got, err := manager.GetRoom(strings.ToLower(room.ID()))
	require.NoError(t, err)
	assert.Same(t, room, got)

	_, err = manager.GetRoom("ZZZZZZZZ")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

// TestManager_DisposeRoom 銷毀後從索引與 Registry 移除
func TestManager_DisposeRoom(t *testing.T) {
	presence := internal.NewMemoryPresence()
	manager := newTestManager(t, testRoomConfig(), presence)
	ctx := context.Background()

	room, err := manager.CreateRoom(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, manager.DisposeRoom(ctx, room.ID()))
	assert.Equal(t, internal.StateDisposed, room.State())

	_, err = manager.GetRoom(room.ID())
	assert.True(t, apperrors.IsNotFound(err))

	members, _ := presence.ListMembers(ctx, "GameRoom")
	assert.Empty(t, members)

	err = manager.DisposeRoom(ctx, room.ID())
	assert.True(t, apperrors.IsNotFound(err))
}

// TestManager_IdleRoomForgotten 空房到期銷毀後管理器不再持有
func TestManager_IdleRoomForgotten(t *testing.T) {
	cfg := testRoomConfig()
	cfg.IdleDisposeAfter = 30 * time.Millisecond
	presence := internal.NewMemoryPresence()
	manager := newTestManager(t, cfg, presence)

	room, err := manager.CreateRoom(context.Background(), 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := manager.GetRoom(room.ID())
		return apperrors.IsNotFound(err)
	}, 2*time.Second, 5*time.Millisecond)

	members, _ := presence.ListMembers(context.Background(), "GameRoom")
	assert.Empty(t, members)
}

// TestManager_ListRooms 測試分頁
func TestManager_ListRooms(t *testing.T) {
	manager := newTestManager(t, testRoomConfig(), internal.NewMemoryPresence())

	var created []string
	for i := 0; i < 5; i++ {
		room, err := manager.CreateRoom(context.Background(), 0)
		require.NoError(t, err)
		created = append(created, room.ID())
	}

	tests := []struct {
		name      string
		page      int
		limit     int
		wantCount int
	}{
		{name: "first page", page: 1, limit: 2, wantCount: 2},
		{name: "last partial page", page: 3, limit: 2, wantCount: 1},
		{name: "past the end", page: 4, limit: 2, wantCount: 0},
		{name: "everything", page: 1, limit: 10, wantCount: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rooms, total := manager.ListRooms(tt.page, tt.limit)
			assert.Equal(t, 5, total)
			assert.Len(t, rooms, tt.wantCount)
		})
	}

	// 全部列出時涵蓋所有房間，且依建立時間排序
	rooms, _ := manager.ListRooms(1, 10)
	var listed []string
	for i, r := range rooms {
		listed = append(listed, r.RoomID)
		if i > 0 {
			assert.False(t, r.CreatedAt.Before(rooms[i-1].CreatedAt))
		}
	}
	assert.ElementsMatch(t, created, listed)
}

// TestManager_Stats 統計玩家與保留位
func TestManager_Stats(t *testing.T) {
	manager := newTestManager(t, testRoomConfig(), internal.NewMemoryPresence())
	ctx := context.Background()

	first, err := manager.CreateRoom(ctx, 0)
	require.NoError(t, err)
	second, err := manager.CreateRoom(ctx, 0)
	require.NoError(t, err)

	admitAll(t, first, "A", "B")
	admitAll(t, second, "C")
	_, err = first.Leave(ctx, "B", true)
	require.NoError(t, err)

	stats := manager.Stats()
	assert.Equal(t, 2, stats["total_rooms"])
	assert.Equal(t, 2, stats["total_players"])
	assert.Equal(t, 1, stats["total_pending"])
	assert.Equal(t, map[internal.RoomState]int{internal.StateOpen: 2}, stats["by_state"])
}

// TestManager_Stop 停止後銷毀全部房間且拒絕新建
func TestManager_Stop(t *testing.T) {
	presence := internal.NewMemoryPresence()
	manager := internal.NewManager(testRoomConfig(), newTestAllocator(t, presence), logger.Discard())
	ctx := context.Background()

	var rooms []*internal.Room
	for i := 0; i < 3; i++ {
		room, err := manager.CreateRoom(ctx, 0)
		require.NoError(t, err)
		rooms = append(rooms, room)
	}

	manager.Stop(ctx)

	for _, room := range rooms {
		assert.Equal(t, internal.StateDisposed, room.State())
	}
	members, _ := presence.ListMembers(ctx, "GameRoom")
	assert.Empty(t, members)

	_, err := manager.CreateRoom(ctx, 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
}

// TestManager_ConcurrentCreate 併發創建的房間 ID 兩兩不同
func TestManager_ConcurrentCreate(t *testing.T) {
	manager := newTestManager(t, testRoomConfig(), internal.NewMemoryPresence())

	var (
		mu  sync.Mutex
		ids = make(map[string]bool)
		wg  sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, err := manager.CreateRoom(context.Background(), 0)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, ids[room.ID()], "duplicate id %s", room.ID())
			ids[room.ID()] = true
		}()
	}
	wg.Wait()

	_, total := manager.ListRooms(1, 100)
	assert.Equal(t, 50, total)
}
