// Package protocol defines the WebSocket messages exchanged between document
// replicas and the docserver. Every message is a JSON object whose "type"
// field selects the payload struct.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/neurosift/nschat/internal/awareness"
	"github.com/neurosift/nschat/internal/chat"
	"github.com/neurosift/nschat/internal/crdt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinDoc     = "join_doc"
	TypeLeaveDoc    = "leave_doc"
	TypeDocUpdate   = "doc_update"
	TypeSetChat     = "set_chat"
	TypeAwareness   = "awareness"
	TypeSaveDoc     = "save_doc"
	TypeSetReadOnly = "set_read_only"
	TypePing        = "ping"
)

// Server -> Client message types. doc_update and awareness are shared with
// the client direction.
const (
	TypeSessionCreated = "session_created"
	TypeDocJoined      = "doc_joined"
	TypeContentChanged = "content_changed"
	TypeStateChanged   = "state_changed"
	TypeDocSaved       = "doc_saved"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeInvalidMessage = "invalid_message"
	CodeNotJoined      = "not_joined"
	CodeReadOnly       = "read_only"
	CodeInvalidChat    = "invalid_chat"
	CodeInternal       = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinDocMsg opens a document for the connection. User is recorded with the
// membership; presence itself travels in awareness messages.
type JoinDocMsg struct {
	DocID string          `json:"doc_id"`
	User  *awareness.User `json:"user,omitempty"`
}

type LeaveDocMsg struct {
	DocID string `json:"doc_id"`
}

// DocUpdateMsg carries a CRDT update in either direction.
type DocUpdateMsg struct {
	DocID  string      `json:"doc_id"`
	Update crdt.Update `json:"update"`
}

// SetChatMsg replaces the transcript on the server replica. Thin clients
// that do not run a replica use it instead of doc_update.
type SetChatMsg struct {
	DocID string          `json:"doc_id"`
	Chat  chat.Transcript `json:"chat"`
}

// AwarenessMsg carries a presence update in either direction.
type AwarenessMsg struct {
	DocID  string           `json:"doc_id"`
	Update awareness.Update `json:"update"`
}

type SaveDocMsg struct {
	DocID string `json:"doc_id"`
}

type SetReadOnlyMsg struct {
	DocID    string `json:"doc_id"`
	ReadOnly bool   `json:"read_only"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	SessionID string `json:"session_id"`
}

// DocJoinedMsg answers join_doc with everything a replica needs to catch up.
type DocJoinedMsg struct {
	DocID     string           `json:"doc_id"`
	ClientID  uint64           `json:"client_id"`
	Snapshot  crdt.Update      `json:"snapshot"`
	Awareness awareness.Update `json:"awareness"`
	Dirty     bool             `json:"dirty"`
	ReadOnly  bool             `json:"read_only"`
}

// ContentChangedMsg tells thin clients about the new transcript.
type ContentChangedMsg struct {
	DocID string          `json:"doc_id"`
	Chat  chat.Transcript `json:"chat"`
}

type StateChangedMsg struct {
	DocID    string `json:"doc_id"`
	Name     string `json:"name"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

type DocSavedMsg struct {
	DocID   string `json:"doc_id"`
	SavedAt int64  `json:"saved_at"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	RetryAfter int `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	DocID   string `json:"doc_id,omitempty"`
}

type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	switch env.Type {
	case TypeJoinDoc:
		return decodeAs[JoinDocMsg](env)
	case TypeLeaveDoc:
		return decodeAs[LeaveDocMsg](env)
	case TypeDocUpdate:
		return decodeAs[DocUpdateMsg](env)
	case TypeSetChat:
		return decodeAs[SetChatMsg](env)
	case TypeAwareness:
		return decodeAs[AwarenessMsg](env)
	case TypeSaveDoc:
		return decodeAs[SaveDocMsg](env)
	case TypeSetReadOnly:
		return decodeAs[SetReadOnlyMsg](env)
	case TypePing:
		return decodeAs[PingMsg](env)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	switch env.Type {
	case TypeSessionCreated:
		return decodeAs[SessionCreatedMsg](env)
	case TypeDocJoined:
		return decodeAs[DocJoinedMsg](env)
	case TypeDocUpdate:
		return decodeAs[DocUpdateMsg](env)
	case TypeAwareness:
		return decodeAs[AwarenessMsg](env)
	case TypeContentChanged:
		return decodeAs[ContentChangedMsg](env)
	case TypeStateChanged:
		return decodeAs[StateChangedMsg](env)
	case TypeDocSaved:
		return decodeAs[DocSavedMsg](env)
	case TypeRateLimited:
		return decodeAs[RateLimitedMsg](env)
	case TypeError:
		return decodeAs[ErrorMsg](env)
	case TypePong:
		return decodeAs[PongMsg](env)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}
}

func decodeAs[T any](env Envelope) (string, interface{}, error) {
	var m T
	if err := json.Unmarshal(env.Raw, &m); err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, m, nil
}

// NewServerMessage encodes payload and prepends the "type" field. The
// payload's own field order is kept, so transcripts inside it stay intact.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return newMessage(msgType, payload)
}

// NewClientMessage encodes a client message the same way.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return newMessage(msgType, payload)
}

func newMessage(msgType string, payload interface{}) ([]byte, error) {
	typ, err := json.Marshal(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}
	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		body = bytes.TrimSpace(body)
		if len(body) < 2 || body[0] != '{' {
			return nil, fmt.Errorf("protocol: payload for %q is not a JSON object", msgType)
		}
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
			buf.WriteByte(',')
			buf.Write(inner)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
