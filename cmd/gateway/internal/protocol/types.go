package protocol

import "encoding/json"

const (
	ActionSubscribe      = "subscribe"
	ActionUnsubscribe    = "unsubscribe"
	ActionUnsubscribeAll = "unsubscribe_all"
	ActionList           = "list"
)

// Server frame types
const (
	TypeAck          = "ack"
	TypeError        = "error"
	TypeSnapshot     = "snapshot"
	TypeStatus       = "status"
	TypeNotification = "notification"
	TypeWatchlist    = "watchlist"
)

type WSRequest struct {
	Action  string         `json:"action"`
	Payload RequestPayload `json:"payload"`
	ID      string         `json:"id,omitempty"`
}

type RequestPayload struct {
	Symbols []string `json:"symbols"`
}

type WSResponse struct {
	Type    string      `json:"type"`             // see Type* constants
	ID      string      `json:"id,omitempty"`     // Matches request ID
	Status  string      `json:"status,omitempty"` // "success", "error", or the session state
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Snapshot wraps a cached price so clients can tell it from pushed notifications.
func Snapshot(raw string) WSResponse {
	return WSResponse{Type: TypeSnapshot, Data: json.RawMessage(raw)}
}
