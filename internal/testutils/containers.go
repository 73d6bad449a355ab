// Package testutils 提供測試用的共用工具和輔助函數
//
// 本套件實作了測試依賴的管理，包括：
//   - Redis 測試容器（testcontainers）
//   - 進程內 NATS 服務
//
// 需要容器的測試在 -short 模式下會跳過；所有資源都會在測試結束時自動清理。
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/koopa0/system-design/room-coordinator/internal"
)

// SetupRedis 啟動 Redis 測試容器並返回客戶端
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    client := testutils.SetupRedis(t)
//	    presence := internal.NewRedisPresence(client, "test:")
//	}
func SetupRedis(t testing.TB) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis container in short mode")
	}

	ctx := context.Background()

	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		_ = redisContainer.Terminate(context.Background())
	})

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})

	// 驗證連接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	return client
}

// StartNATS 啟動進程內 NATS 並返回連線 URL
func StartNATS(t testing.TB) string {
	t.Helper()

	ns, err := internal.StartEmbeddedNATS("127.0.0.1", -1, 10*time.Second)
	if err != nil {
		t.Fatalf("failed to start nats server: %v", err)
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	return ns.ClientURL()
}
