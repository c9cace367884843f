package models

import (
	"encoding/json"
	"time"
)

// SubjectStatus is the liveness state of a registered subject.
type SubjectStatus string

const (
	SubjectOnline  SubjectStatus = "online"
	SubjectOffline SubjectStatus = "offline"
)

// Subject is a registered remote session being relayed. Registration is
// idempotent on Name: re-registering the same name yields the same ID.
type Subject struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Status     SubjectStatus `json:"status"`
	LastSeenAt time.Time     `json:"last_seen_at"`
	CreatedAt  time.Time     `json:"created_at"`
}

type EventType string

const (
	EventMessageIn  EventType = "message-in"
	EventMessageOut EventType = "message-out"
	EventStatus     EventType = "status"
)

func (t EventType) Valid() bool {
	switch t {
	case EventMessageIn, EventMessageOut, EventStatus:
		return true
	}
	return false
}

type Sender string

const (
	SenderViewer   Sender = "viewer"
	SenderProducer Sender = "producer"
	SenderSystem   Sender = "system"
)

func (s Sender) Valid() bool {
	switch s {
	case SenderViewer, SenderProducer, SenderSystem:
		return true
	}
	return false
}

// Event is one immutable entry in a subject's append-only log. Position
// is assigned by the store at append time and is strictly increasing
// per subject. Readers must tolerate gaps; they may not assume density.
type Event struct {
	ID        string          `json:"id"`
	SubjectID string          `json:"subject_id"`
	Position  int64           `json:"position"`
	Type      EventType       `json:"type"`
	Sender    Sender          `json:"sender"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	TenantID  string          `json:"tenant_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// StatusPayload is the payload carried by system status events.
type StatusPayload struct {
	Status string `json:"status"`
}

const (
	StatusOnline    = "online"
	StatusOffline   = "offline"
	StatusHeartbeat = "heartbeat"
)

// TextPayload is the conventional payload shape for message events.
// MessageID is a client-assigned identifier consumers may use for
// de-duplication; the relay itself does not interpret it.
type TextPayload struct {
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
}
