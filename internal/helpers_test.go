package internal_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/room-coordinator/internal"
	"github.com/koopa0/system-design/room-coordinator/pkg/logger"
)

// sentEvent 一筆投遞記錄
type sentEvent struct {
	RoomID    string
	SessionID string
	Event     internal.Event
}

// recordingTransport 記錄所有投遞；fail 中的 session 一律投遞失敗
type recordingTransport struct {
	mu   sync.Mutex
	sent []sentEvent
	fail map[string]bool
}

func newRecordingTransport(failing ...string) *recordingTransport {
	tr := &recordingTransport{fail: make(map[string]bool)}
	for _, id := range failing {
		tr.fail[id] = true
	}
	return tr
}

func (tr *recordingTransport) Send(roomID, sessionID string, ev internal.Event) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.fail[sessionID] {
		return errors.New("connection reset")
	}
	tr.sent = append(tr.sent, sentEvent{RoomID: roomID, SessionID: sessionID, Event: ev})
	return nil
}

// events 某個 session 收到的某類事件
func (tr *recordingTransport) events(sessionID, eventType string) []internal.Event {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []internal.Event
	for _, s := range tr.sent {
		if s.SessionID == sessionID && s.Event.Type == eventType {
			out = append(out, s.Event)
		}
	}
	return out
}

// count 某類事件的總投遞數
func (tr *recordingTransport) count(eventType string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, s := range tr.sent {
		if s.Event.Type == eventType {
			n++
		}
	}
	return n
}

func (tr *recordingTransport) reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sent = nil
}

// countingPresence 計算 RemoveMember 呼叫次數，可注入錯誤
type countingPresence struct {
	internal.Presence
	removes  atomic.Int32
	listErr  error
	addCalls atomic.Int32
	// addHook 在 AddMember 之前呼叫（模擬其他分配器搶先）
	addHook func(value string)
}

func (p *countingPresence) ListMembers(ctx context.Context, set string) ([]string, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.Presence.ListMembers(ctx, set)
}

func (p *countingPresence) AddMember(ctx context.Context, set, value string) (bool, error) {
	p.addCalls.Add(1)
	if p.addHook != nil {
		p.addHook(value)
	}
	return p.Presence.AddMember(ctx, set, value)
}

func (p *countingPresence) RemoveMember(ctx context.Context, set, value string) (bool, error) {
	p.removes.Add(1)
	return p.Presence.RemoveMember(ctx, set, value)
}

// testAllocatorConfig 測試用分配器配置
func testAllocatorConfig() internal.AllocatorConfig {
	return internal.AllocatorConfig{
		SetName:     "GameRoom",
		Alphabet:    "ABCDEFGHIJKLMNOPQRSTUVWXYZ",
		Length:      4,
		MaxAttempts: 32,
	}
}

// testRoomConfig 測試用房間配置：計時器預設很長，個別測試再縮短
func testRoomConfig() internal.RoomConfig {
	return internal.RoomConfig{
		Capacity:         4,
		MaxCapacity:      16,
		MaxRooms:         100,
		PingInterval:     time.Hour,
		ReconnectGrace:   time.Hour,
		IdleDisposeAfter: time.Hour,
		RegistryTimeout:  time.Second,
		MailboxSize:      16,
	}
}

func newTestAllocator(t *testing.T, presence internal.Presence) *internal.Allocator {
	t.Helper()
	allocator, err := internal.NewAllocator(presence, testAllocatorConfig(), logger.Discard())
	require.NoError(t, err)
	return allocator
}

// openRoom 建立並開放一個房間，測試結束時銷毀
func openRoom(t *testing.T, capacity int, cfg internal.RoomConfig, presence internal.Presence, tr internal.Transport) *internal.Room {
	t.Helper()
	room := internal.NewRoom(capacity, cfg, internal.RoomDeps{
		Allocator: newTestAllocator(t, presence),
		Transport: tr,
		Logger:    logger.Discard(),
	})
	require.NoError(t, room.Open(context.Background()))
	t.Cleanup(func() {
		_ = room.Dispose(context.Background())
	})
	return room
}

// eventData 把事件內容轉成 map 方便斷言
func eventData(t *testing.T, ev internal.Event) map[string]any {
	t.Helper()
	raw, err := json.Marshal(ev.Data)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// admitAll 依序加入多個 session
func admitAll(t *testing.T, room *internal.Room, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := room.Admit(context.Background(), id, "player-"+id)
		require.NoError(t, err)
	}
}
