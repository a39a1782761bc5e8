package types

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is a single message in a session. While an assistant response
// is streaming, Content grows and Complete is false; once Complete is true
// the message is never mutated again.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionID"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Complete  bool      `json:"complete"`
	Time      time.Time `json:"time"`
}

// ChatSession is the immutable view of a session handed to callers. The
// store owns the mutable record; callers hold only IDs and snapshots.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Created   time.Time `json:"created"`
	Messages  int       `json:"messages"`
	Streaming bool      `json:"streaming"`
}
