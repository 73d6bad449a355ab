// Package internal 實作多人遊戲的房間協調服務。
//
// 每個房間是一個有生命週期的 actor：玩家透過 WebSocket 加入，
// 房間在自己的事件循環中處理訊息、心跳與斷線重連。
//
// # 元件
//
//   - Presence：跨進程共享的集合（記憶體或 Redis），記錄所有存活的房間 ID
//   - Allocator：在 Presence 上以樂觀重試分配短房間 ID
//   - SessionTable：房間內的玩家狀態
//   - ReconnectWindows：斷線後的寬限視窗，到期才真正移除玩家
//   - Room：房間生命週期與訊息路由
//   - Manager：進程內的房間索引
//   - WebSocketHub：連接管理，同時是房間的 Transport
//   - NATSNotifier：對外發布房間生命週期事件
//
// # 房間生命週期
//
//	initializing → open → disposing → disposed
//
// 房間 ID 在 open 之前寫入 Presence，在 disposed 之前移除，且只移除一次。
//
// # 容量規則
//
// 在線玩家數加上保留中的斷線座位永遠不超過容量。
// 在線玩家已滿時拒絕加入（ROOM_FULL）；只因保留座位而滿時，
// 擠掉最早斷線的那一位再加入。
//
// # 使用範例
//
// 啟動服務器：
//
//	go run ./cmd/server -config config.yaml
//
// 創建房間並連線：
//
//	curl -X POST localhost:8080/api/v1/rooms -d '{"capacity":4}'
//	websocat "ws://localhost:8080/ws/rooms/ABCD?session_id=s1&name=alice"
//
// 客戶端訊息：
//
//	{"type":"updatePosition","data":{"x":1,"y":2,"z":3}}
//	{"type":"SendDrawpoints","data":[[0,0],[1,1]]}
//	{"type":"updateState","data":{"color":"red"}}
//	{"type":"setName","data":{"displayName":"bob"}}
package internal
