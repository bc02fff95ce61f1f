// Package protocol defines the WebSocket message types of the job watch
// stream. All messages are JSON-encoded and wrapped in an Envelope.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subprotocol is negotiated on the watch upgrade.
const Subprotocol = "scratchd-watch-v1"

// MessageType identifies the kind of message on the watch stream.
type MessageType string

const (
	// Server → client
	MsgJobState  MessageType = "job.state"
	MsgJobResult MessageType = "job.result"
	MsgPing      MessageType = "watch.ping"

	// Client → server
	MsgJobCancel MessageType = "job.cancel"
	MsgPong      MessageType = "watch.pong"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope wraps every message on the stream.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	JobID     string          `json:"job_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, jobID string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		JobID:     jobID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// StatePayload accompanies MsgJobState.
type StatePayload struct {
	State string    `json:"state"`
	Time  time.Time `json:"time"`
}

// ErrorPayload accompanies MsgError.
type ErrorPayload struct {
	Message string `json:"message"`
}
