package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// 房間生命週期事件類型
const (
	RoomEventCreated      = "room.created"
	RoomEventPlayerJoined = "player.joined"
	RoomEventPlayerLeft   = "player.left"
	RoomEventDisposed     = "room.disposed"
)

// RoomEvent 對外發布的房間生命週期事件
type RoomEvent struct {
	RoomID    string    `json:"room_id"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier 房間生命週期事件發布者
//
// 發布失敗只記錄日誌，不影響房間狀態。
type Notifier interface {
	Publish(ctx context.Context, ev RoomEvent) error
}

// NopNotifier 不發布任何事件
type NopNotifier struct{}

// Publish 什麼都不做
func (NopNotifier) Publish(context.Context, RoomEvent) error { return nil }

// NATSNotifier 透過 NATS 發布房間事件
//
// Subject 命名：{prefix}.{room_id}.{type}
// 範例：rooms.ABCD.player.joined
// 同一個房間的事件走同一條連線依序發出，訂閱者可用 rooms.ABCD.> 追蹤單一房間。
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSNotifier 連接 NATS 並創建發布者
func NewNATSNotifier(url, prefix string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url, nats.Name("room-coordinator"))
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}
	return &NATSNotifier{
		conn:   conn,
		prefix: prefix,
	}, nil
}

// Subject 事件的 subject
func (n *NATSNotifier) Subject(ev RoomEvent) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, ev.RoomID, ev.Type)
}

// Publish 發布事件
func (n *NATSNotifier) Publish(ctx context.Context, ev RoomEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}

	if err := n.conn.Publish(n.Subject(ev), data); err != nil {
		return fmt.Errorf("發布事件失敗: %w", err)
	}
	return nil
}

// Close 送出緩衝中的訊息後關閉連線
func (n *NATSNotifier) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

// StartEmbeddedNATS 在進程內啟動 NATS（port 為 -1 時隨機分配）
func StartEmbeddedNATS(host string, port int, timeout time.Duration) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("創建 NATS 服務失敗: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(timeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS 服務未在 %s 內就緒", timeout)
	}
	return ns, nil
}
