package internal

import (
	"sync"
	"time"
)

// 系統設計問題：
//   玩家網路抖動斷線後，如何在有限時間內保留座位與狀態？
//
// 核心挑戰：
//   1. 每個斷線 session 一個獨立計時器
//   2. 取消（玩家及時重連）與到期（計時器觸發）可能同時發生
//   3. 同一個 session 重連後再次斷線，要開新的一輪，不能被舊計時器影響
//
// 設計方案：
//   ✅ 每個視窗一個遞增 token，舊 token 永遠不會命中新視窗
//   ✅ 「誰先從 map 拿走 slot 誰贏」：取消與到期在同一把鎖下競爭，恰好一個成功
//   ✅ dispatch：到期回呼可以丟回房間自己的事件循環執行

// GraceToken 寬限視窗識別碼，0 表示無效
type GraceToken uint64

// EvictFunc 寬限到期（或被擠出）時的回呼
type EvictFunc func(sessionID string, snapshot Player)

// graceSlot 一個斷線 session 的保留位
type graceSlot struct {
	token     GraceToken
	sessionID string
	snapshot  Player
	deadline  time.Time
	timer     *time.Timer
}

// ReconnectWindows 斷線重連寬限視窗管理器
type ReconnectWindows struct {
	mu        sync.Mutex
	slots     map[GraceToken]*graceSlot
	bySession map[string]GraceToken
	next      GraceToken
	stopped   bool

	onEvict  EvictFunc
	dispatch func(func())
}

// ReconnectOption 管理器選項
type ReconnectOption func(*ReconnectWindows)

// WithDispatch 指定到期回呼的執行位置（例如房間事件循環）
func WithDispatch(dispatch func(func())) ReconnectOption {
	return func(w *ReconnectWindows) {
		w.dispatch = dispatch
	}
}

// NewReconnectWindows 創建寬限視窗管理器
func NewReconnectWindows(onEvict EvictFunc, opts ...ReconnectOption) *ReconnectWindows {
	w := &ReconnectWindows{
		slots:     make(map[GraceToken]*graceSlot),
		bySession: make(map[string]GraceToken),
		onEvict:   onEvict,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// BeginGrace 為斷線 session 開啟寬限視窗
//
// 快照在呼叫時複製，之後對原 Player 的修改不會影響保留的狀態。
// 管理器已停止時返回 0，不啟動計時器。
func (w *ReconnectWindows) BeginGrace(sessionID string, snapshot Player, d time.Duration) GraceToken {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return 0
	}

	// 同一 session 只保留一個視窗
	if old, ok := w.bySession[sessionID]; ok {
		w.removeLocked(w.slots[old])
	}

	w.next++
	token := w.next
	slot := &graceSlot{
		token:     token,
		sessionID: sessionID,
		snapshot:  snapshot.Clone(),
		deadline:  time.Now().Add(d),
	}
	slot.timer = time.AfterFunc(d, func() { w.fire(token) })

	w.slots[token] = slot
	w.bySession[sessionID] = token
	return token
}

// CancelGrace 取消寬限視窗並取回快照
//
// 冪等：視窗已取消或已到期時返回 false。
func (w *ReconnectWindows) CancelGrace(token GraceToken) (Player, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	slot, ok := w.slots[token]
	if !ok {
		return Player{}, false
	}
	w.removeLocked(slot)
	return slot.snapshot.Clone(), true
}

// Reclaim 以 session ID 取消寬限視窗（重連時使用）
func (w *ReconnectWindows) Reclaim(sessionID string) (Player, bool) {
	w.mu.Lock()
	token, ok := w.bySession[sessionID]
	w.mu.Unlock()
	if !ok {
		return Player{}, false
	}
	return w.CancelGrace(token)
}

// EvictOldest 擠出最早開始的寬限視窗並觸發回呼
func (w *ReconnectWindows) EvictOldest() (string, bool) {
	w.mu.Lock()
	var oldest *graceSlot
	for _, slot := range w.slots {
		if oldest == nil || slot.token < oldest.token {
			oldest = slot
		}
	}
	if oldest == nil {
		w.mu.Unlock()
		return "", false
	}
	w.removeLocked(oldest)
	w.mu.Unlock()

	w.onEvict(oldest.sessionID, oldest.snapshot.Clone())
	return oldest.sessionID, true
}

// Has 是否有該 session 的寬限視窗
func (w *ReconnectWindows) Has(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.bySession[sessionID]
	return ok
}

// Deadline 寬限視窗的到期時間
func (w *ReconnectWindows) Deadline(sessionID string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	token, ok := w.bySession[sessionID]
	if !ok {
		return time.Time{}, false
	}
	return w.slots[token].deadline, true
}

// Pending 尚未結束的寬限視窗數量
func (w *ReconnectWindows) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots)
}

// StopAll 停止所有計時器且不觸發回呼（房間銷毀時使用），返回被丟棄的視窗數
func (w *ReconnectWindows) StopAll() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.slots)
	for _, slot := range w.slots {
		slot.timer.Stop()
	}
	w.slots = make(map[GraceToken]*graceSlot)
	w.bySession = make(map[string]GraceToken)
	w.stopped = true
	return n
}

// fire 計時器觸發
func (w *ReconnectWindows) fire(token GraceToken) {
	if w.dispatch != nil {
		w.dispatch(func() { w.expire(token) })
		return
	}
	w.expire(token)
}

// expire 到期處理：只有仍在 map 中的 slot 才會觸發回呼
func (w *ReconnectWindows) expire(token GraceToken) {
	w.mu.Lock()
	slot, ok := w.slots[token]
	if !ok {
		w.mu.Unlock()
		return
	}
	w.removeLocked(slot)
	w.mu.Unlock()

	w.onEvict(slot.sessionID, slot.snapshot.Clone())
}

// removeLocked 移除 slot 並停止計時器（需要持有鎖）
func (w *ReconnectWindows) removeLocked(slot *graceSlot) {
	if slot == nil {
		return
	}
	slot.timer.Stop()
	delete(w.slots, slot.token)
	if w.bySession[slot.sessionID] == slot.token {
		delete(w.bySession, slot.sessionID)
	}
}
