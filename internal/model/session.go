package model

import "time"

// SessionStatus represents the lifecycle state of a brokered session.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusDestroyed SessionStatus = "destroyed"
)

// SessionRecord is the persisted audit entry for one brokered session.
// It is written when a session is created and updated when the session
// is destroyed, either explicitly or by connection cleanup.
type SessionRecord struct {
	ID           string        `json:"id"`
	ConnectionID string        `json:"connectionId"`
	Model        string        `json:"model"`
	Host         string        `json:"host,omitempty"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}
