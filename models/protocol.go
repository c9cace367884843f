package models

import (
	"encoding/json"
	"time"
)

/*
	Wire envelopes for the relay WebSocket. Every frame is a JSON object
	with a "type" discriminator; the remaining fields depend on the type.
	One connection is scoped to exactly one subject and one role.
*/

type MessageType string

const (
	// server -> client
	MsgGreeting    MessageType = "greeting"
	MsgCatchup     MessageType = "catchup"
	MsgEvent       MessageType = "event"
	MsgError       MessageType = "error"
	MsgInstruction MessageType = "instruction"

	// client -> server
	MsgResume    MessageType = "resume"
	MsgPublish   MessageType = "publish"
	MsgHeartbeat MessageType = "heartbeat"
)

// ConnectionRole distinguishes the producer side (the agent driving the
// child process) from viewer/controller connections.
type ConnectionRole string

const (
	RoleProducer ConnectionRole = "producer"
	RoleViewer   ConnectionRole = "viewer"
)

func (r ConnectionRole) Valid() bool {
	return r == RoleProducer || r == RoleViewer
}

// ErrorType values carried by error frames. These mirror the service
// error taxonomy so clients can branch without string matching.
const (
	ErrTypeNotFound         = "not_found"
	ErrTypeUnauthorized     = "unauthorized"
	ErrTypeStoreUnavailable = "store_unavailable"
	ErrTypeMalformedMessage = "malformed_message"
)

// InstructionRestart asks the producer to respawn its child process
// without tearing down the relay connection.
const InstructionRestart = "restart"

// ServerMessage is the server->client envelope. Fields are populated
// according to Type; unused fields are omitted from the wire form.
type ServerMessage struct {
	Type MessageType `json:"type"`

	// greeting
	SubjectID    string    `json:"subject_id,omitempty"`
	LastPosition int64     `json:"last_position,omitempty"`
	ServerTime   time.Time `json:"server_time"`

	// catchup
	Events []Event `json:"events,omitempty"`

	// event
	Event *Event `json:"event,omitempty"`

	// error
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message,omitempty"`

	// instruction
	Command string `json:"command,omitempty"`
}

// ClientMessage is the client->server envelope.
type ClientMessage struct {
	Type MessageType `json:"type"`

	// resume
	SincePosition int64 `json:"since_position,omitempty"`

	// publish
	EventType EventType       `json:"event_type,omitempty"`
	Sender    Sender          `json:"sender,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RegisterRequest / RegisterResponse are the REST registration pair.
// Registration is idempotent by Name.
type RegisterRequest struct {
	Name string `json:"name" validate:"required,min=1,max=128"`
}

type RegisterResponse struct {
	SubjectID string `json:"subject_id"`
	RelayPath string `json:"relay_path"`
}

// BacklogResponse is returned by the REST backlog query endpoint.
type BacklogResponse struct {
	Events []Event `json:"events"`
}

// ErrorResponse is the REST error body.
type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}
