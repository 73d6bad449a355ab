package internal

import (
	"maps"
	"time"
)

// Position 玩家位置
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Player 玩家資訊（Session Table 的一筆）
//
// Admin 只在房間第一個成功加入的 session 上為 true，
// 斷線重連時隨快照一起保留，永不轉移。
type Player struct {
	SessionID   string         `json:"sessionId"`
	DisplayName string         `json:"displayName"`
	Admin       bool           `json:"admin"`
	Position    Position       `json:"position"`
	Custom      map[string]any `json:"custom,omitempty"`
	JoinedAt    time.Time      `json:"joinedAt"`
}

// Clone 返回值快照，Custom 另外複製，快照與原資料互不影響
func (p Player) Clone() Player {
	cp := p
	if p.Custom != nil {
		cp.Custom = maps.Clone(p.Custom)
	}
	return cp
}

// SessionTable 單一房間的 session → Player 映射
//
// 只在房間自己的事件循環中讀寫，不需要內部鎖。
// Values 返回的是複製品，序列化廣播時不會讀到寫到一半的資料。
type SessionTable struct {
	players map[string]*Player
}

// NewSessionTable 創建 Session Table
func NewSessionTable() *SessionTable {
	return &SessionTable{
		players: make(map[string]*Player),
	}
}

// Get 取得玩家快照
func (t *SessionTable) Get(sessionID string) (Player, bool) {
	p, ok := t.players[sessionID]
	if !ok {
		return Player{}, false
	}
	return p.Clone(), true
}

// Has 是否存在
func (t *SessionTable) Has(sessionID string) bool {
	_, ok := t.players[sessionID]
	return ok
}

// Put 寫入玩家（以 SessionID 為鍵，同鍵覆蓋）
func (t *SessionTable) Put(sessionID string, p Player) {
	cp := p.Clone()
	cp.SessionID = sessionID
	t.players[sessionID] = &cp
}

// Update 原地修改玩家，返回是否存在
func (t *SessionTable) Update(sessionID string, fn func(p *Player)) bool {
	p, ok := t.players[sessionID]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// Remove 移除並返回被移除的玩家
func (t *SessionTable) Remove(sessionID string) (Player, bool) {
	p, ok := t.players[sessionID]
	if !ok {
		return Player{}, false
	}
	delete(t.players, sessionID)
	return *p, true
}

// Size 玩家數量
func (t *SessionTable) Size() int {
	return len(t.players)
}

// IDs 所有 session ID
func (t *SessionTable) IDs() []string {
	ids := make([]string, 0, len(t.players))
	for id := range t.players {
		ids = append(ids, id)
	}
	return ids
}

// Values 所有玩家快照（順序不保證）
func (t *SessionTable) Values() []Player {
	players := make([]Player, 0, len(t.players))
	for _, p := range t.players {
		players = append(players, p.Clone())
	}
	return players
}
