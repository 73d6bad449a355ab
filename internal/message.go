package internal

import (
	"encoding/json"
)

// 房間發出的訊息類型
const (
	EventPing          = "ping"
	EventPlayerJoined  = "playerJoined"
	EventPlayerLeft    = "playerLeft"
	EventPlayerMoved   = "playerMoved"
	EventPlayerUpdated = "playerUpdated"
	EventRoomState     = "roomState"
	EventDrawPoints    = "Rdrawpoints"
)

// 客戶端發送的訊息類型
const (
	MsgUpdatePosition = "updatePosition"
	MsgSendDrawPoints = "SendDrawpoints"
	MsgUpdateState    = "updateState"
	MsgSetName        = "setName"
)

// Event 伺服器推送給客戶端的訊息
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// ClientMessage 客戶端送來的訊息
//
// Data 保持原始 JSON，由房間依類型解析；繪圖類訊息完全不解析直接轉發。
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// playerMovedData playerMoved 的內容
type playerMovedData struct {
	SessionID string   `json:"sessionId"`
	Position  Position `json:"position"`
}

// drawPointsData Rdrawpoints 的內容，Points 原樣轉發
type drawPointsData struct {
	SessionID string          `json:"sessionId"`
	Points    json.RawMessage `json:"points"`
}

// playerData playerJoined / playerUpdated 的內容
type playerData struct {
	SessionID string `json:"sessionId"`
	Player    Player `json:"player"`
}

// playerLeftData playerLeft 的內容
type playerLeftData struct {
	SessionID string `json:"sessionId"`
}

// roomStateData roomState 的內容，加入或重連時送給該客戶端
type roomStateData struct {
	RoomID    string   `json:"roomId"`
	Capacity  int      `json:"capacity"`
	SessionID string   `json:"sessionId"`
	Players   []Player `json:"players"`
}

// setNameData setName 的內容
type setNameData struct {
	DisplayName string `json:"displayName"`
}
