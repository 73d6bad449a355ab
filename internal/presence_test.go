package internal_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/room-coordinator/internal"
	"github.com/koopa0/system-design/room-coordinator/internal/testutils"
	apperrors "github.com/koopa0/system-design/room-coordinator/pkg/errors"
)

// presenceContract 所有 Presence 實作都要滿足的行為
func presenceContract(t *testing.T, newPresence func(t *testing.T) internal.Presence) {
	t.Run("add list remove", func(t *testing.T) {
		p := newPresence(t)
		ctx := context.Background()

		members, err := p.ListMembers(ctx, "GameRoom")
		require.NoError(t, err)
		assert.Empty(t, members)

		added, err := p.AddMember(ctx, "GameRoom", "ABCD")
		require.NoError(t, err)
		assert.True(t, added)

		added, err = p.AddMember(ctx, "GameRoom", "ABCD")
		require.NoError(t, err)
		assert.False(t, added)

		_, err = p.AddMember(ctx, "GameRoom", "WXYZ")
		require.NoError(t, err)

		members, err = p.ListMembers(ctx, "GameRoom")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"ABCD", "WXYZ"}, members)

		removed, err := p.RemoveMember(ctx, "GameRoom", "ABCD")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = p.RemoveMember(ctx, "GameRoom", "ABCD")
		require.NoError(t, err)
		assert.False(t, removed)

		removed, err = p.RemoveMember(ctx, "Other", "ABCD")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("sets are isolated", func(t *testing.T) {
		p := newPresence(t)
		ctx := context.Background()

		_, err := p.AddMember(ctx, "GameRoom", "ABCD")
		require.NoError(t, err)

		members, err := p.ListMembers(ctx, "LobbyRoom")
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("concurrent add has exactly one winner", func(t *testing.T) {
		p := newPresence(t)

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				added, err := p.AddMember(context.Background(), "GameRoom", "SAME")
				if err == nil && added {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

// TestMemoryPresence 記憶體實作
func TestMemoryPresence(t *testing.T) {
	presenceContract(t, func(t *testing.T) internal.Presence {
		return internal.NewMemoryPresence()
	})

	t.Run("cancelled context", func(t *testing.T) {
		p := internal.NewMemoryPresence()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := p.ListMembers(ctx, "GameRoom")
		assert.ErrorIs(t, err, context.Canceled)
		_, err = p.AddMember(ctx, "GameRoom", "ABCD")
		assert.ErrorIs(t, err, context.Canceled)
		_, err = p.RemoveMember(ctx, "GameRoom", "ABCD")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// TestRedisPresence Redis 實作（需要 Docker）
func TestRedisPresence(t *testing.T) {
	client := testutils.SetupRedis(t)

	var n atomic.Int32
	presenceContract(t, func(t *testing.T) internal.Presence {
		// 每個子測試使用不同前綴，互不干擾
		return internal.NewRedisPresence(client, fmt.Sprintf("test%d:", n.Add(1)))
	})

	t.Run("key prefix", func(t *testing.T) {
		p := internal.NewRedisPresence(client, "presence:")
		ctx := context.Background()

		require.NoError(t, p.Ping(ctx))
		_, err := p.AddMember(ctx, "GameRoom", "ABCD")
		require.NoError(t, err)

		ok, err := client.SIsMember(ctx, "presence:GameRoom", "ABCD").Result()
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("rooms across instances share one registry", func(t *testing.T) {
		prefix := fmt.Sprintf("shared%d:", n.Add(1))
		first := newTestAllocator(t, internal.NewRedisPresence(client, prefix))
		second := newTestAllocator(t, internal.NewRedisPresence(client, prefix))

		seen := make(map[string]bool)
		for i := 0; i < 20; i++ {
			for _, a := range []*internal.Allocator{first, second} {
				id, err := a.Allocate(context.Background())
				require.NoError(t, err)
				assert.False(t, seen[id], "duplicate id %s", id)
				seen[id] = true
			}
		}
	})

	t.Run("cancelled context maps to unavailable", func(t *testing.T) {
		p := internal.NewRedisPresence(client, "cancelled:")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := p.ListMembers(ctx, "GameRoom")
		require.Error(t, err)
		assert.True(t, apperrors.IsUnavailable(err))
	})
}
