package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/neurosift/nschat/internal/awareness"
	"github.com/neurosift/nschat/internal/chat"
	"github.com/neurosift/nschat/internal/crdt"
)

// ---------------------------------------------------------------------------
// Test: Parsing a join_doc message
// ---------------------------------------------------------------------------

func TestParseClientMessage_JoinDoc(t *testing.T) {
	input := []byte(`{"type":"join_doc","doc_id":"doc-1","user":{"name":"ada","color":"#f00"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinDoc {
		t.Fatalf("expected type %q, got %q", TypeJoinDoc, msgType)
	}

	jm, ok := msg.(JoinDocMsg)
	if !ok {
		t.Fatalf("expected JoinDocMsg, got %T", msg)
	}
	if jm.DocID != "doc-1" {
		t.Errorf("expected doc_id %q, got %q", "doc-1", jm.DocID)
	}
	if jm.User == nil || jm.User.Name != "ada" || jm.User.Color != "#f00" {
		t.Errorf("unexpected user: %+v", jm.User)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a doc_update message carries the CRDT entries
// ---------------------------------------------------------------------------

func TestParseClientMessage_DocUpdate(t *testing.T) {
	input := []byte(`{"type":"doc_update","doc_id":"d","update":{"client":7,"entries":[{"map":"content","key":"chat","value":"{}","clock":3,"client":7}]}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	um, ok := msg.(DocUpdateMsg)
	if !ok {
		t.Fatalf("expected DocUpdateMsg, got %T", msg)
	}
	if um.Update.Client != 7 || len(um.Update.Entries) != 1 {
		t.Fatalf("unexpected update: %+v", um.Update)
	}
	e := um.Update.Entries[0]
	if e.Map != "content" || e.Key != "chat" || e.Clock != 3 {
		t.Errorf("unexpected entry: %+v", e)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_ServerOnlyTypeRejected(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"doc_joined","doc_id":"d"}`)); err == nil {
		t.Fatal("expected error for server-only type")
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"set_read_only","read_only":"yes"}`))
	if err == nil {
		t.Fatal("expected decode error for wrong field type")
	}
}

// ---------------------------------------------------------------------------
// Test: Server messages keep transcript key order
// ---------------------------------------------------------------------------

func TestNewServerMessage_ContentChangedKeepsOrder(t *testing.T) {
	payload := ContentChangedMsg{
		DocID: "d",
		Chat:  chat.Transcript{Messages: []json.RawMessage{json.RawMessage(`{"role":"user","content":"hi"}`)}},
	}

	data, err := NewServerMessage(TypeContentChanged, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"type":"content_changed","doc_id":"d","chat":{"messages":[{"role":"user","content":"hi"}]}}`
	if string(data) != want {
		t.Errorf("unexpected encoding:\n got %s\nwant %s", data, want)
	}
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected encoding: %s", data)
	}

	data, err = NewClientMessage(TypePing, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("unexpected encoding: %s", data)
	}
}

func TestNewServerMessage_RejectsNonObject(t *testing.T) {
	if _, err := NewServerMessage(TypeError, "oops"); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}

// ---------------------------------------------------------------------------
// Test: Round trip through the server parser
// ---------------------------------------------------------------------------

func TestRoundTrip_DocJoined(t *testing.T) {
	original := DocJoinedMsg{
		DocID:    "doc-9",
		ClientID: 42,
		Snapshot: crdt.Update{Client: 1, Entries: []crdt.Entry{{Map: "state", Key: "dirty", Value: "true", Clock: 2, Client: 1}}},
		Awareness: awareness.Update{Clients: []awareness.ClientState{
			{ClientID: 5, Clock: 1, State: &awareness.State{User: &awareness.User{Name: "bo"}}},
		}},
		Dirty: true,
	}

	data, err := NewServerMessage(TypeDocJoined, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}
	msgType, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeDocJoined {
		t.Fatalf("expected type %q, got %q", TypeDocJoined, msgType)
	}
	decoded, ok := msg.(DocJoinedMsg)
	if !ok {
		t.Fatalf("expected DocJoinedMsg, got %T", msg)
	}
	if decoded.ClientID != 42 || !decoded.Dirty || decoded.ReadOnly {
		t.Errorf("unexpected flags: %+v", decoded)
	}
	if len(decoded.Snapshot.Entries) != 1 || decoded.Snapshot.Entries[0].Value != "true" {
		t.Errorf("unexpected snapshot: %+v", decoded.Snapshot)
	}
	if len(decoded.Awareness.Clients) != 1 || decoded.Awareness.Clients[0].State.User.Name != "bo" {
		t.Errorf("unexpected awareness: %+v", decoded.Awareness)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join_doc", `{"type":"join_doc","doc_id":"d"}`, TypeJoinDoc},
		{"leave_doc", `{"type":"leave_doc","doc_id":"d"}`, TypeLeaveDoc},
		{"doc_update", `{"type":"doc_update","doc_id":"d","update":{"client":1,"entries":[]}}`, TypeDocUpdate},
		{"set_chat", `{"type":"set_chat","doc_id":"d","chat":{"messages":[]}}`, TypeSetChat},
		{"awareness", `{"type":"awareness","doc_id":"d","update":{"clients":[]}}`, TypeAwareness},
		{"save_doc", `{"type":"save_doc","doc_id":"d"}`, TypeSaveDoc},
		{"set_read_only", `{"type":"set_read_only","doc_id":"d","read_only":true}`, TypeSetReadOnly},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

func TestParseServerMessage_AllTypes(t *testing.T) {
	cases := []string{
		`{"type":"session_created","session_id":"s"}`,
		`{"type":"doc_joined","doc_id":"d","client_id":1}`,
		`{"type":"doc_update","doc_id":"d","update":{"client":1}}`,
		`{"type":"awareness","doc_id":"d","update":{"clients":[]}}`,
		`{"type":"content_changed","doc_id":"d","chat":{"messages":[]}}`,
		`{"type":"state_changed","doc_id":"d","name":"dirty","old_value":true,"new_value":false}`,
		`{"type":"doc_saved","doc_id":"d","saved_at":1}`,
		`{"type":"rate_limited","retry_after":2}`,
		`{"type":"error","code":"read_only","message":"x"}`,
		`{"type":"pong"}`,
	}
	for _, in := range cases {
		msgType, msg, err := ParseServerMessage([]byte(in))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", in, err)
			continue
		}
		if msg == nil || !strings.Contains(in, msgType) {
			t.Errorf("%s: unexpected result type=%q msg=%v", in, msgType, msg)
		}
	}
}
