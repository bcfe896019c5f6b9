// Package protocol defines the message types exchanged between the host and a sandbox worker.
// Messages are JSON-encoded, one Envelope per line, over the worker's stdin and stdout.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of message in the host ⇄ worker protocol.
type MessageType string

const (
	// Host → Worker
	MsgExecute    MessageType = "execute"
	MsgCallResult MessageType = "call_result"

	// Worker → Host
	MsgCall  MessageType = "call"
	MsgDone  MessageType = "done"
	MsgError MessageType = "error"
)

// Envelope is the top-level wrapper for every message on the channel.
// ExecutionID ties a message to one execution so that a pooled worker's
// late messages from a previous run can be recognised and dropped.
type Envelope struct {
	Type        MessageType     `json:"type"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it in an Envelope.
func NewEnvelope(msgType MessageType, executionID string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
		}
		raw = data
	}
	return &Envelope{
		Type:        msgType,
		ExecutionID: executionID,
		Payload:     raw,
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, target)
}

// --- Host → Worker payloads ---

// ExecutePayload is sent with MsgExecute to start running a code body.
type ExecutePayload struct {
	Context map[string]any `json:"context"`
	Code    string         `json:"code"`
}

// CallResultPayload answers a CallPayload. Exactly one of Result or
// ErrorResponse is meaningful, selected by Error.
type CallResultPayload struct {
	CallID        uint64         `json:"call_id"`
	Result        any            `json:"result,omitempty"`
	Error         bool           `json:"error,omitempty"`
	ErrorResponse *ErrorResponse `json:"error_response,omitempty"`
}

// --- Worker → Host payloads ---

// CallPayload asks the host to invoke the capability found at Path.
type CallPayload struct {
	CallID uint64 `json:"call_id"`
	Path   string `json:"path"`
	Args   []any  `json:"args"`
}

// DonePayload reports successful completion. Context is the worker's final
// view of the execution context, with functions stripped.
type DonePayload struct {
	Data    any            `json:"data"`
	Context map[string]any `json:"ctx"`
}

// ErrorPayload reports that the code body threw or rejected.
type ErrorPayload struct {
	Error ErrorResponse `json:"error"`
}

// ErrorResponse is the structured error shape shared by both directions.
type ErrorResponse struct {
	Message    string `json:"message"`
	Stack      string `json:"stack,omitempty"`
	Name       string `json:"name,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Details    any    `json:"details,omitempty"`
}
