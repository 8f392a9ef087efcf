package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Transcript is the persisted content of a chat document. Messages are kept
// as raw JSON objects so fields this package does not know about, and their
// order, survive a round trip.
type Transcript struct {
	Messages []json.RawMessage `json:"messages"`
}

// EmptyTranscript returns a transcript with no messages.
func EmptyTranscript() Transcript {
	return Transcript{Messages: []json.RawMessage{}}
}

// Len returns the number of messages.
func (t Transcript) Len() int {
	return len(t.Messages)
}

// Append encodes msg and adds it to a copy of the transcript.
func (t Transcript) Append(msg any) (Transcript, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return t, fmt.Errorf("chat: encode message: %w", err)
	}
	if !isObject(raw) {
		return t, fmt.Errorf("chat: message must be a JSON object")
	}
	out := Transcript{Messages: make([]json.RawMessage, 0, len(t.Messages)+1)}
	out.Messages = append(out.Messages, t.Messages...)
	out.Messages = append(out.Messages, raw)
	return out, nil
}

// Message decodes the common fields of message i.
func (t Transcript) Message(i int) (Message, error) {
	if i < 0 || i >= len(t.Messages) {
		return Message{}, fmt.Errorf("chat: message index %d out of range", i)
	}
	var m Message
	if err := json.Unmarshal(t.Messages[i], &m); err != nil {
		return Message{}, fmt.Errorf("chat: decode message %d: %w", i, err)
	}
	return m, nil
}

// Equal reports whether both transcripts hold the same messages, ignoring
// insignificant whitespace.
func (t Transcript) Equal(o Transcript) bool {
	if len(t.Messages) != len(o.Messages) {
		return false
	}
	for i := range t.Messages {
		var a, b bytes.Buffer
		if json.Compact(&a, t.Messages[i]) != nil || json.Compact(&b, o.Messages[i]) != nil {
			return false
		}
		if !bytes.Equal(a.Bytes(), b.Bytes()) {
			return false
		}
	}
	return true
}

// Message is the decoded view of a chat message. The stored record may carry
// more fields.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function call requested by an assistant message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Encode serializes the transcript compactly, as it is stored in the shared
// map.
func Encode(t Transcript) (string, error) {
	return marshal(t, "")
}

// EncodeIndent serializes the transcript with two-space indentation, the
// on-disk representation.
func EncodeIndent(t Transcript) (string, error) {
	return marshal(t, "  ")
}

// Decode parses stored or on-disk text. Anything that is not an object with
// an array of message objects yields the empty transcript.
func Decode(s string) Transcript {
	t, err := Parse(s)
	if err != nil {
		return EmptyTranscript()
	}
	return t
}

// Parse is Decode with the reason for rejecting the input.
func Parse(s string) (Transcript, error) {
	if strings.TrimSpace(s) == "" {
		return Transcript{}, fmt.Errorf("chat: empty transcript")
	}
	var t Transcript
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return Transcript{}, fmt.Errorf("chat: decode transcript: %w", err)
	}
	if t.Messages == nil {
		t.Messages = []json.RawMessage{}
	}
	for i, m := range t.Messages {
		if !isObject(m) {
			return Transcript{}, fmt.Errorf("chat: message %d is not an object", i)
		}
	}
	return t, nil
}

func marshal(t Transcript, indent string) (string, error) {
	if t.Messages == nil {
		t.Messages = []json.RawMessage{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(t); err != nil {
		return "", fmt.Errorf("chat: encode transcript: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func isObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
