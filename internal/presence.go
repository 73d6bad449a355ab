package internal

import (
	"context"
	"sort"
	"sync"
)

// Presence 跨房間共享的集合存儲
//
// 所有房間實例只透過這三個操作協調（房間 ID 唯一性）。
// 不假設跨呼叫者的順序保證：ListMembers 與 AddMember 之間沒有原子性，
// 呼叫者必須以 AddMember 的回傳值為準。
type Presence interface {
	// ListMembers 列出集合成員（順序不保證）
	ListMembers(ctx context.Context, set string) ([]string, error)
	// AddMember 加入成員，true 表示本次新增（false 表示已存在）
	AddMember(ctx context.Context, set, value string) (bool, error)
	// RemoveMember 移除成員，true 表示本次確實移除
	RemoveMember(ctx context.Context, set, value string) (bool, error)
}

// MemoryPresence 單進程內的 Presence 實作
//
// 用於測試與單機部署（presence.driver: memory）。
type MemoryPresence struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

// NewMemoryPresence 創建記憶體 Presence
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		sets: make(map[string]map[string]struct{}),
	}
}

// ListMembers 列出集合成員
func (p *MemoryPresence) ListMembers(ctx context.Context, set string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	members := make([]string, 0, len(p.sets[set]))
	for m := range p.sets[set] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// AddMember 加入成員
func (p *MemoryPresence) AddMember(ctx context.Context, set, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	members, ok := p.sets[set]
	if !ok {
		members = make(map[string]struct{})
		p.sets[set] = members
	}
	if _, exists := members[value]; exists {
		return false, nil
	}
	members[value] = struct{}{}
	return true, nil
}

// RemoveMember 移除成員
func (p *MemoryPresence) RemoveMember(ctx context.Context, set, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	members, ok := p.sets[set]
	if !ok {
		return false, nil
	}
	if _, exists := members[value]; !exists {
		return false, nil
	}
	delete(members, value)
	if len(members) == 0 {
		delete(p.sets, set)
	}
	return true, nil
}
