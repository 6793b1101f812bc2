package chat

import "time"

// SessionState is the lifecycle position of a live chat session.
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateDisconnected SessionState = "disconnected"
	StateClosed       SessionState = "closed"
)

// SessionInfo is the externally visible summary of a session.
type SessionInfo struct {
	ID           string       `json:"id"`
	RoomID       int64        `json:"roomId"`
	UserID       string       `json:"userId"`
	State        SessionState `json:"state"`
	Messages     int          `json:"messages"`
	Participants int          `json:"participants"`
	Pending      int          `json:"pending"`
	CreatedAt    time.Time    `json:"createdAt"`
}
