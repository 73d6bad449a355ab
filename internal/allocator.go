package internal

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"

	apperrors "github.com/koopa0/system-design/room-coordinator/pkg/errors"
)

// 系統設計問題：
//   多個房間實例（可能跨進程）同時建立房間，如何保證房間 ID 全域唯一？
//
// 核心挑戰：
//   1. 無中心鎖：Presence Registry 只提供 list / add / remove
//   2. 檢查與寫入不是原子的：list 之後、add 之前，別的實例可能搶走同一個 ID
//   3. 房間 ID 要短（玩家口頭分享），碰撞機率不可忽略
//
// 設計方案：
//   ✅ 樂觀重試：生成 → 對照已取得的成員集合 → SADD
//   ✅ 以 AddMember 的回傳值為準：沒搶到就整輪重來
//   ✅ 重試預算：超過 MaxAttempts 視為致命錯誤，不建立房間

// Allocator 房間 ID 分配器
type Allocator struct {
	presence    Presence
	setName     string
	alphabet    string
	length      int
	maxAttempts int
	random      io.Reader
	logger      *slog.Logger
}

// AllocatorOption 分配器選項
type AllocatorOption func(*Allocator)

// WithRandom 替換隨機來源（測試用）
func WithRandom(r io.Reader) AllocatorOption {
	return func(a *Allocator) {
		a.random = r
	}
}

// NewAllocator 創建房間 ID 分配器
func NewAllocator(presence Presence, cfg AllocatorConfig, logger *slog.Logger, opts ...AllocatorOption) (*Allocator, error) {
	if cfg.Length < MinRoomIDLength || cfg.Length > MaxRoomIDLength {
		return nil, fmt.Errorf("房間 ID 長度必須在 %d-%d 之間: %d", MinRoomIDLength, MaxRoomIDLength, cfg.Length)
	}
	if err := ValidateAlphabet(cfg.Alphabet); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("重試次數必須 >= 1: %d", cfg.MaxAttempts)
	}

	a := &Allocator{
		presence:    presence,
		setName:     cfg.SetName,
		alphabet:    cfg.Alphabet,
		length:      cfg.Length,
		maxAttempts: cfg.MaxAttempts,
		random:      rand.Reader,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// SetName 房間 ID 所在的集合名稱
func (a *Allocator) SetName() string {
	return a.setName
}

// Allocate 分配並登記一個唯一的房間 ID
//
// 流程：
//  1. ListMembers 取得目前已使用的 ID
//  2. 生成候選 ID，若已在集合中就重新生成
//  3. AddMember 登記；回傳 false 代表其他分配器搶先，整輪重來
//
// 每生成一個候選都消耗一次重試預算。Registry 不可用時直接失敗，
// 絕不返回未登記的 ID。
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	attempts := 0

	for attempts < a.maxAttempts {
		members, err := a.presence.ListMembers(ctx, a.setName)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "presence registry unavailable")
		}

		taken := make(map[string]struct{}, len(members))
		for _, m := range members {
			taken[m] = struct{}{}
		}

		candidate := ""
		for attempts < a.maxAttempts {
			attempts++
			c, err := a.generate()
			if err != nil {
				return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "generate room id")
			}
			if _, exists := taken[c]; !exists {
				candidate = c
				break
			}
		}
		if candidate == "" {
			break
		}

		added, err := a.presence.AddMember(ctx, a.setName, candidate)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "presence registry unavailable")
		}
		if added {
			return candidate, nil
		}

		a.logger.Debug("房間 ID 被其他實例搶先登記，重試",
			"candidate", candidate,
			"attempts", attempts)
	}

	return "", apperrors.ErrAllocationExhausted.WithDetails(fmt.Sprintf("attempts=%d", attempts))
}

// Release 從 Registry 移除房間 ID，返回是否確實移除
func (a *Allocator) Release(ctx context.Context, id string) (bool, error) {
	removed, err := a.presence.RemoveMember(ctx, a.setName, id)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "presence registry unavailable")
	}
	return removed, nil
}

// ValidateAlphabet 檢查房間 ID 字元集
//
// 只允許大寫 ASCII 字母與數字且不可重複：房間以大寫 ID 索引，
// 查詢時不分大小寫；generate 逐位元組取字元，多位元組字元會被切開。
func ValidateAlphabet(alphabet string) error {
	if len(alphabet) < 2 || len(alphabet) > 36 {
		return fmt.Errorf("房間 ID 字元集長度必須在 2-36 之間: %q", alphabet)
	}
	seen := make(map[byte]bool, len(alphabet))
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return fmt.Errorf("房間 ID 字元集只能包含 A-Z 與 0-9: %q", alphabet)
		}
		if seen[c] {
			return fmt.Errorf("房間 ID 字元集有重複字元 %q", c)
		}
		seen[c] = true
	}
	return nil
}

// generate 從字元集生成一個候選 ID
//
// 逐位元組拒絕取樣：超過 limit 的位元組丟棄，避免取模偏差。
func (a *Allocator) generate() (string, error) {
	n := len(a.alphabet)
	limit := 256 - 256%n
	b := make([]byte, a.length)
	buf := make([]byte, 1)
	for i := 0; i < len(b); {
		if _, err := io.ReadFull(a.random, buf); err != nil {
			return "", err
		}
		if int(buf[0]) >= limit {
			continue
		}
		b[i] = a.alphabet[int(buf[0])%n]
		i++
	}
	return string(b), nil
}
