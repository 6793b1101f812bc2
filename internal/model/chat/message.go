package chat

import "time"

// Source records which path delivered a message into a session timeline.
type Source string

const (
	SourceHistory Source = "history"
	SourceLive    Source = "live"
	SourceLocal   Source = "local"
	SourceInitial Source = "initial"
)

// Message is the canonical chat record every upstream shape is mapped into.
// Messages are never mutated once they enter a timeline.
type Message struct {
	ID            string    `json:"id"`
	RoomID        int64     `json:"roomId"`
	SenderID      string    `json:"senderId"`
	SenderName    string    `json:"senderName,omitempty"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Source        Source    `json:"source"`
}

// Draft is a locally composed message waiting for the transport.
type Draft struct {
	CorrelationID string    `json:"correlationId"`
	RoomID        int64     `json:"roomId"`
	SenderID      string    `json:"senderId"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
}
