package internal

import (
	"context"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/room-coordinator/pkg/errors"
)

// RedisPresence 以 Redis Set 實作的 Presence
//
// 系統設計考量：
//   - SMEMBERS / SADD / SREM 各自是單一命令，Redis 保證原子性
//   - SADD 的回傳值（新增數量）是「是否搶到」的唯一依據
//   - 多個服務實例共用同一個 Redis，成員在任何單一進程結束後仍保留
//
// Key 命名：{key_prefix}{set}，例如 presence:GameRoom
type RedisPresence struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisPresence 創建 Redis Presence
func NewRedisPresence(client redis.UniversalClient, keyPrefix string) *RedisPresence {
	return &RedisPresence{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (p *RedisPresence) key(set string) string {
	return p.keyPrefix + set
}

// Ping 檢查 Redis 連線
func (p *RedisPresence) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "redis ping failed")
	}
	return nil
}

// ListMembers 列出集合成員
func (p *RedisPresence) ListMembers(ctx context.Context, set string) ([]string, error) {
	members, err := p.client.SMembers(ctx, p.key(set)).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "redis smembers failed")
	}
	return members, nil
}

// AddMember 加入成員
func (p *RedisPresence) AddMember(ctx context.Context, set, value string) (bool, error) {
	added, err := p.client.SAdd(ctx, p.key(set), value).Result()
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "redis sadd failed")
	}
	return added > 0, nil
}

// RemoveMember 移除成員
func (p *RedisPresence) RemoveMember(ctx context.Context, set, value string) (bool, error) {
	removed, err := p.client.SRem(ctx, p.key(set), value).Result()
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "redis srem failed")
	}
	return removed > 0, nil
}
