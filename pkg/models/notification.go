package models

import "time"

// Subscription links a user to a symbol on their watchlist.
type Subscription struct {
	UserID   string `json:"user_id"`
	SymbolID string `json:"symbol_id"`
}

// SessionState is the connection status mirrored to clients.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
)

// Session is a single client connection of a user.
type Session struct {
	SessionID   string       `json:"session_id"`
	UserID      string       `json:"user_id"`
	State       SessionState `json:"state"`
	ConnectedAt time.Time    `json:"connected_at"`
}

// SubscriptionAction tells clients how a user's watchlist changed.
type SubscriptionAction string

const (
	SubscriptionAdded   SubscriptionAction = "added"
	SubscriptionRemoved SubscriptionAction = "removed"
)

// SubscriptionEvent keeps a user's watchlist in sync across their sessions.
type SubscriptionEvent struct {
	UserID   string             `json:"user_id"`
	SymbolID string             `json:"symbol_id"`
	Action   SubscriptionAction `json:"action"`
	Symbols  []string           `json:"symbols"` // full set after the change
}

// NotificationKind tags a NotificationMessage payload.
type NotificationKind string

const (
	KindAlertFired          NotificationKind = "alert_fired"
	KindWatchlistChanged    NotificationKind = "watchlist_changed"
	KindSubscriptionChanged NotificationKind = "subscription_changed"
)

// NotificationMessage is pushed to every connected session of TargetUserID.
// SequenceNumber is monotonic per user so clients can detect gaps and duplicates.
type NotificationMessage struct {
	TargetUserID   string           `json:"target_user_id"`
	Kind           NotificationKind `json:"kind"`
	Payload        interface{}      `json:"payload"`
	SequenceNumber uint64           `json:"sequence_number"`
}
