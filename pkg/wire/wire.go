// Package wire defines the IPC protocol spoken between the consume daemon
// and its attached clients: newline-delimited JSON objects over loopback TCP,
// discriminated by a top-level "type" field.
package wire

import (
	"fmt"
	"time"
)

// Version is the protocol version advertised in the hello event.
const Version = "1"

// Envelope carries the fields common to every wire message. InstanceID is
// the daemon's UUID, letting clients detect runner restarts; RequestID is a
// client-generated UUID echoed back for correlation.
type Envelope struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	InstanceID string    `json:"instance_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
}

// MessageType returns the discriminant.
func (e Envelope) MessageType() string { return e.Type }

// NewEnvelope stamps a fresh envelope for an outbound message.
func NewEnvelope(msgType string) Envelope {
	return Envelope{Type: msgType, Timestamp: time.Now().UTC()}
}

// DecodeError describes a message the daemon rejected: malformed JSON, a
// missing discriminant, or an unknown type. The server answers with a
// synthesized error event; the connection stays open.
type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string { return e.Message }

func decodeErrorf(format string, args ...interface{}) *DecodeError {
	return &DecodeError{Message: fmt.Sprintf(format, args...)}
}
