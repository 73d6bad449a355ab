package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/koopa0/system-design/room-coordinator/pkg/errors"
	"github.com/koopa0/system-design/room-coordinator/pkg/logger"
)

// 系統設計問題：
//   如何讓一個房間在多人同時加入、斷線、送訊息時保持一致，且不用細粒度鎖？
//
// 核心挑戰：
//   1. 容量：併發加入時房間不能超員（含斷線保留位）
//   2. 斷線重連：保留座位與狀態一段時間，到期才真正踢出
//   3. 計時器：心跳廣播、寬限到期、空房銷毀都要能乾淨取消
//   4. 唯一性：房間 ID 在 Presence Registry 中恰好存在於房間生命週期內
//
// 設計方案：
//   ✅ 單一事件循環（actor）：房間所有狀態只在一個 goroutine 中修改
//   ✅ 有限狀態機：initializing → open → disposing → disposed
//   ✅ 計時器回呼一律丟回事件循環執行
//   ✅ sync.Once 保證銷毀冪等（Registry 只移除一次）

// RoomState 房間生命週期狀態
//
//	initializing → open → disposing → disposed
//
// 狀態轉換規則：
//   - initializing → open：房間 ID 分配成功
//   - open → disposing：空房超過閒置時間，或被明確銷毀
//   - disposing → disposed：計時器全部停止、ID 已從 Registry 移除
type RoomState string

const (
	StateInitializing RoomState = "initializing"
	StateOpen         RoomState = "open"
	StateDisposing    RoomState = "disposing"
	StateDisposed     RoomState = "disposed"
)

// DefaultDisplayName 未提供名稱時的顯示名稱
const DefaultDisplayName = "user"

// Transport 每個連線一條可靠有序的訊息通道
//
// Send 不可阻塞：單一接收者投遞失敗只返回錯誤，房間記錄後繼續投遞其他人。
type Transport interface {
	Send(roomID, sessionID string, ev Event) error
}

// RoomDeps 房間依賴
type RoomDeps struct {
	Allocator  *Allocator
	Transport  Transport
	Notifier   Notifier
	Logger     *slog.Logger
	OnDisposed func(*Room)
}

// AdmitResult 准入結果
type AdmitResult struct {
	Player      Player `json:"player"`
	Reconnected bool   `json:"reconnected"`
	Evicted     string `json:"evicted,omitempty"` // 為了騰出座位而被擠掉的保留位
}

// RoomSnapshot 房間狀態（用於序列化）
type RoomSnapshot struct {
	RoomID    string    `json:"room_id"`
	Capacity  int       `json:"capacity"`
	State     RoomState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Players   []Player  `json:"players"`
	Pending   int       `json:"pending_reconnections"`
}

// Room 遊戲房間
//
// 系統設計考量：
//
//  1. 事件循環（mailbox chan func()）：
//     Admit / Leave / HandleMessage 都把閉包丟進 mailbox，由 run() 依序執行。
//     同一房間內任何兩個操作不會交錯，Session Table 不需要鎖。
//
//  2. 計時器：
//     - 心跳：ticker 直接在 run() 的 select 中處理
//     - 寬限到期：ReconnectWindows 透過 post 丟回事件循環
//     - 空房銷毀：idleTimer 觸發後在事件循環中確認仍為空房才銷毀
//
//  3. 容量不變式：sessions.Size() + windows.Pending() <= capacity
type Room struct {
	id        string
	capacity  int
	createdAt time.Time
	cfg       RoomConfig

	allocator  *Allocator
	transport  Transport
	notifier   Notifier
	logger     *slog.Logger
	onDisposed func(*Room)

	state  atomic.Value // RoomState
	active atomic.Int32  // 在線玩家數，供管理器無需進入事件循環即可讀取

	// 以下欄位只在事件循環中存取
	sessions      *SessionTable
	windows       *ReconnectWindows
	adminAssigned bool
	idleTimer     *time.Timer
	idleGen       uint64
	ticker        *time.Ticker

	mailbox     chan func()
	stop        chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
	openMu      sync.Mutex
	started     atomic.Bool
	disposeOnce sync.Once
	disposeErr  error
}

// NewRoom 創建房間（initializing 狀態，尚未可加入）
func NewRoom(capacity int, cfg RoomConfig, deps RoomDeps) *Room {
	if deps.Transport == nil {
		deps.Transport = nopTransport{}
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if cfg.MailboxSize < 1 {
		cfg.MailboxSize = 1
	}

	r := &Room{
		capacity:   capacity,
		cfg:        cfg,
		allocator:  deps.Allocator,
		transport:  deps.Transport,
		notifier:   deps.Notifier,
		logger:     deps.Logger,
		onDisposed: deps.OnDisposed,
		sessions:   NewSessionTable(),
		mailbox:    make(chan func(), cfg.MailboxSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	r.windows = NewReconnectWindows(r.evicted, WithDispatch(r.post))
	r.state.Store(StateInitializing)
	return r
}

// ID 房間 ID（Open 成功後才有值）
func (r *Room) ID() string { return r.id }

// Capacity 房間容量
func (r *Room) Capacity() int { return r.capacity }

// CreatedAt 建立時間
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// State 當前狀態
func (r *Room) State() RoomState { return r.state.Load().(RoomState) }

// Done 事件循環結束時關閉
func (r *Room) Done() <-chan struct{} { return r.done }

// Open 分配房間 ID 並開放房間
//
// 分配失敗時房間維持 initializing，不會被任何人看到。
func (r *Room) Open(ctx context.Context) error {
	r.openMu.Lock()
	defer r.openMu.Unlock()

	if r.State() != StateInitializing {
		return apperrors.ErrRoomNotOpen.WithDetails(fmt.Sprintf("state=%s", r.State()))
	}
	if r.capacity < 1 {
		return apperrors.ErrInvalidCapacity.WithDetails(fmt.Sprintf("capacity=%d", r.capacity))
	}

	id, err := r.allocator.Allocate(ctx)
	if err != nil {
		r.logger.Error("房間 ID 分配失敗", "error", err)
		return err
	}

	r.id = id
	r.createdAt = time.Now()
	r.logger = r.logger.With("room_id", id)
	r.ticker = time.NewTicker(r.cfg.PingInterval)
	r.state.Store(StateOpen)

	// 事件循環啟動前直接操作，沒有併發
	r.armIdle()

	r.started.Store(true)
	r.wg.Add(1)
	go r.run()

	r.publish(RoomEventCreated, "")
	r.logger.Info("房間已創建", "capacity", r.capacity)
	return nil
}

// run 事件循環
func (r *Room) run() {
	defer r.wg.Done()
	defer close(r.done)

	for {
		select {
		case task := <-r.mailbox:
			task()
		case <-r.ticker.C:
			r.broadcast(EventPing, nil, "")
		case <-r.stop:
			return
		}
	}
}

// exec 在事件循環中執行 fn 並等待完成
//
// 只在排入 mailbox 前尊重 ctx：一旦排入就等待執行完畢，
// 避免 fn 在呼叫者返回後才寫入結果。
func (r *Room) exec(ctx context.Context, fn func()) error {
	if !r.started.Load() {
		return apperrors.ErrRoomNotOpen
	}

	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case r.mailbox <- task:
	case <-r.done:
		return apperrors.ErrRoomNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-r.done:
		// task 若已被取出，run() 會先執行完才結束
		select {
		case <-finished:
			return nil
		default:
			return apperrors.ErrRoomNotOpen
		}
	}
}

// post 丟一個任務到事件循環，不等待（計時器回呼使用）
func (r *Room) post(fn func()) {
	select {
	case r.mailbox <- fn:
	case <-r.done:
	}
}

// Admit 准入一個 session
//
// 規則：
//   - 有寬限視窗的 session：視為重連，原封不動恢復快照，不廣播加入
//   - 已在房間內：ErrAlreadyJoined
//   - Session Table 已滿：ErrRoomFull，不修改任何狀態
//   - 只因保留位而滿：擠掉最早的保留位，再加入
func (r *Room) Admit(ctx context.Context, sessionID, displayName string) (AdmitResult, error) {
	var (
		res AdmitResult
		err error
	)
	if execErr := r.exec(ctx, func() { res, err = r.admit(sessionID, displayName) }); execErr != nil {
		return AdmitResult{}, execErr
	}
	return res, err
}

func (r *Room) admit(sessionID, displayName string) (AdmitResult, error) {
	if r.State() != StateOpen {
		return AdmitResult{}, apperrors.ErrRoomNotOpen
	}

	if snapshot, ok := r.windows.Reclaim(sessionID); ok {
		r.sessions.Put(sessionID, snapshot)
		r.active.Store(int32(r.sessions.Size()))
		r.disarmIdle()
		r.logger.Info("玩家重新連線", "session_id", sessionID)
		r.sendState(sessionID)
		return AdmitResult{Player: snapshot, Reconnected: true}, nil
	}

	if r.sessions.Has(sessionID) {
		return AdmitResult{}, apperrors.ErrAlreadyJoined
	}

	if r.sessions.Size() >= r.capacity {
		r.logger.Info("房間已滿，拒絕加入", "session_id", sessionID, "players", r.sessions.Size())
		return AdmitResult{}, apperrors.ErrRoomFull
	}

	var res AdmitResult
	if r.sessions.Size()+r.windows.Pending() >= r.capacity {
		if evicted, ok := r.windows.EvictOldest(); ok {
			res.Evicted = evicted
			r.logger.Info("座位被保留位佔滿，擠出最早的斷線玩家",
				"session_id", sessionID,
				"evicted", evicted)
		}
	}

	if displayName == "" {
		displayName = DefaultDisplayName
	}
	player := Player{
		SessionID:   sessionID,
		DisplayName: displayName,
		Admin:       !r.adminAssigned,
		JoinedAt:    time.Now(),
	}
	r.adminAssigned = true
	r.sessions.Put(sessionID, player)
	r.active.Store(int32(r.sessions.Size()))
	r.disarmIdle()

	r.broadcast(EventPlayerJoined, playerData{SessionID: sessionID, Player: player}, "")
	r.sendState(sessionID)
	r.publish(RoomEventPlayerJoined, sessionID)

	r.logger.Info("玩家加入房間",
		"session_id", sessionID,
		"admin", player.Admin,
		"players", r.sessions.Size())

	res.Player = player
	return res, nil
}

// Leave session 離開
//
// 不區分正常離開與異常斷線：傳輸層的區分不可靠，一律給一次寬限視窗。
// 返回該 session 是否在房間內。
func (r *Room) Leave(ctx context.Context, sessionID string, consented bool) (bool, error) {
	var present bool
	if err := r.exec(ctx, func() { present = r.leave(sessionID, consented) }); err != nil {
		return false, err
	}
	return present, nil
}

func (r *Room) leave(sessionID string, consented bool) bool {
	player, ok := r.sessions.Remove(sessionID)
	if !ok {
		r.logger.Debug("離開的 session 不在房間內", "session_id", sessionID)
		return false
	}
	r.active.Store(int32(r.sessions.Size()))

	if r.State() != StateOpen {
		return true
	}

	r.windows.BeginGrace(sessionID, player, r.cfg.ReconnectGrace)
	r.logger.Info("玩家離開，保留重連位",
		"session_id", sessionID,
		"consented", consented,
		"grace", r.cfg.ReconnectGrace)
	return true
}

// evicted 寬限到期或被擠出（在事件循環中執行）
func (r *Room) evicted(sessionID string, _ Player) {
	r.broadcast(EventPlayerLeft, playerLeftData{SessionID: sessionID}, "")
	r.publish(RoomEventPlayerLeft, sessionID)
	r.logger.Info("玩家已移除", "session_id", sessionID)
	r.armIdle()
}

// HandleMessage 處理客戶端訊息
//
// 發送者不在 Session Table 時視為過期訊息，記錄後丟棄。
// 玩家只能修改自己的資料；繪圖訊息原樣轉發給其他人，不解析內容。
func (r *Room) HandleMessage(ctx context.Context, sessionID string, msg ClientMessage) error {
	return r.exec(ctx, func() { r.handleMessage(sessionID, msg) })
}

func (r *Room) handleMessage(sessionID string, msg ClientMessage) {
	if r.State() != StateOpen {
		return
	}
	if !r.sessions.Has(sessionID) {
		r.logger.Debug("丟棄過期訊息", "session_id", sessionID, "type", msg.Type)
		return
	}

	switch msg.Type {
	case MsgUpdatePosition:
		// 從目前位置解碼，沒帶到的軸保持原值
		current, _ := r.sessions.Get(sessionID)
		pos := current.Position
		if err := json.Unmarshal(msg.Data, &pos); err != nil {
			r.logger.Warn("解析位置失敗", "session_id", sessionID, "error", err)
			return
		}
		r.sessions.Update(sessionID, func(p *Player) { p.Position = pos })
		r.broadcast(EventPlayerMoved, playerMovedData{SessionID: sessionID, Position: pos}, "")

	case MsgSendDrawPoints:
		points := msg.Data
		if len(points) == 0 {
			points = json.RawMessage("null")
		}
		r.broadcast(EventDrawPoints, drawPointsData{SessionID: sessionID, Points: points}, sessionID)

	case MsgUpdateState:
		var fields map[string]any
		if err := json.Unmarshal(msg.Data, &fields); err != nil || fields == nil {
			r.logger.Warn("解析自訂欄位失敗", "session_id", sessionID, "error", err)
			return
		}
		r.sessions.Update(sessionID, func(p *Player) {
			if p.Custom == nil {
				p.Custom = make(map[string]any, len(fields))
			}
			maps.Copy(p.Custom, fields)
		})
		r.broadcastPlayer(sessionID)

	case MsgSetName:
		var data setNameData
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.DisplayName == "" {
			r.logger.Warn("解析名稱失敗", "session_id", sessionID, "error", err)
			return
		}
		r.sessions.Update(sessionID, func(p *Player) { p.DisplayName = data.DisplayName })
		r.broadcastPlayer(sessionID)

	default:
		r.logger.Debug("收到未知訊息類型", "session_id", sessionID, "type", msg.Type)
	}
}

// Players 當前玩家快照
func (r *Room) Players(ctx context.Context) ([]Player, error) {
	var players []Player
	if err := r.exec(ctx, func() { players = r.sessions.Values() }); err != nil {
		return nil, err
	}
	return players, nil
}

// Player 取得單一玩家
func (r *Room) Player(ctx context.Context, sessionID string) (Player, bool, error) {
	var (
		p  Player
		ok bool
	)
	if err := r.exec(ctx, func() { p, ok = r.sessions.Get(sessionID) }); err != nil {
		return Player{}, false, err
	}
	return p, ok, nil
}

// PlayerCount 在線玩家數
func (r *Room) PlayerCount() int {
	return int(r.active.Load())
}

// Pending 斷線保留位數量
func (r *Room) Pending() int {
	return r.windows.Pending()
}

// Snapshot 房間狀態快照；房間已停止時不含玩家
func (r *Room) Snapshot(ctx context.Context) RoomSnapshot {
	snap := RoomSnapshot{
		RoomID:    r.id,
		Capacity:  r.capacity,
		CreatedAt: r.createdAt,
		Players:   []Player{},
	}
	_ = r.exec(ctx, func() {
		snap.Players = r.sessions.Values()
	})
	snap.State = r.State()
	snap.Pending = r.windows.Pending()
	return snap
}

// Dispose 銷毀房間
//
// 冪等：第二次呼叫不會再次從 Registry 移除 ID，也不會重複觸發清理回呼。
func (r *Room) Dispose(ctx context.Context) error {
	r.disposeOnce.Do(func() {
		r.disposeErr = r.dispose(ctx)
	})
	return r.disposeErr
}

func (r *Room) dispose(ctx context.Context) error {
	// 等待進行中的 Open 結束
	r.openMu.Lock()
	started := r.started.Load()
	if !started {
		r.state.Store(StateDisposed)
	}
	r.openMu.Unlock()

	if !started {
		return nil
	}

	// 在事件循環中停止計時器並關閉准入，然後結束事件循環
	_ = r.exec(context.Background(), r.beginDispose)
	close(r.stop)
	r.wg.Wait()

	// 呼叫者取消 ctx 也要完成移除，否則 ID 會永久殘留在 Registry
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RegistryTimeout)
	defer cancel()

	removed, err := r.allocator.Release(rctx, r.id)
	switch {
	case err != nil:
		r.logger.Error("從 Registry 移除房間 ID 失敗", "error", err)
	case !removed:
		r.logger.Warn("房間 ID 不在 Registry 中")
	}

	r.publish(RoomEventDisposed, "")
	r.state.Store(StateDisposed)
	r.logger.Info("房間已銷毀")

	if r.onDisposed != nil {
		r.onDisposed(r)
	}
	return err
}

// beginDispose 進入 disposing（在事件循環中執行，可重複呼叫）
func (r *Room) beginDispose() {
	if r.State() != StateOpen {
		return
	}
	r.state.Store(StateDisposing)
	r.ticker.Stop()
	r.disarmIdle()
	dropped := r.windows.StopAll()
	r.logger.Info("房間進入銷毀流程",
		"players", r.sessions.Size(),
		"dropped_reconnections", dropped)
}

// armIdle 空房時啟動閒置銷毀計時器
func (r *Room) armIdle() {
	if r.State() != StateOpen || r.sessions.Size() > 0 || r.windows.Pending() > 0 {
		return
	}
	if r.idleTimer != nil {
		return
	}

	r.idleGen++
	gen := r.idleGen
	r.idleTimer = time.AfterFunc(r.cfg.IdleDisposeAfter, func() {
		r.post(func() { r.idleExpired(gen) })
	})
}

// disarmIdle 有人加入時取消閒置計時器
func (r *Room) disarmIdle() {
	if r.idleTimer == nil {
		return
	}
	r.idleTimer.Stop()
	r.idleTimer = nil
	r.idleGen++
}

// idleExpired 閒置計時器到期；代數不符代表期間有人加入過
func (r *Room) idleExpired(gen uint64) {
	if gen != r.idleGen || r.sessions.Size() > 0 || r.windows.Pending() > 0 {
		return
	}
	r.idleTimer = nil
	r.beginDispose()

	// Dispose 會等待事件循環結束，不能在事件循環中同步呼叫
	go func() {
		_ = r.Dispose(context.Background())
	}()
}

// broadcast 廣播給所有在房間內的 session，單一投遞失敗不影響其他人
func (r *Room) broadcast(eventType string, data any, exclude string) {
	ev := Event{Type: eventType, Data: data}
	for _, id := range r.sessions.IDs() {
		if id == exclude {
			continue
		}
		if err := r.transport.Send(r.id, id, ev); err != nil {
			r.logger.Warn("訊息投遞失敗",
				"session_id", id,
				"event", eventType,
				"error", err)
		}
	}
}

// broadcastPlayer 廣播單一玩家的最新資料
func (r *Room) broadcastPlayer(sessionID string) {
	p, ok := r.sessions.Get(sessionID)
	if !ok {
		return
	}
	r.broadcast(EventPlayerUpdated, playerData{SessionID: sessionID, Player: p}, "")
}

// sendState 把完整房間狀態送給單一 session
func (r *Room) sendState(sessionID string) {
	ev := Event{
		Type: EventRoomState,
		Data: roomStateData{
			RoomID:    r.id,
			Capacity:  r.capacity,
			SessionID: sessionID,
			Players:   r.sessions.Values(),
		},
	}
	if err := r.transport.Send(r.id, sessionID, ev); err != nil {
		r.logger.Warn("房間狀態投遞失敗", "session_id", sessionID, "error", err)
	}
}

// publish 發布生命週期事件，失敗只記錄
func (r *Room) publish(eventType, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RegistryTimeout)
	defer cancel()

	ev := RoomEvent{
		RoomID:    r.id,
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
	if err := r.notifier.Publish(ctx, ev); err != nil {
		r.logger.Warn("生命週期事件發布失敗", "event", eventType, "error", err)
	}
}

// nopTransport 未接上傳輸層時使用
type nopTransport struct{}

func (nopTransport) Send(string, string, Event) error { return nil }
