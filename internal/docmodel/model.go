// Package docmodel presents a chat document as a persistable file model:
// dirty and read-only flags, text and JSON (de)serialization for disk I/O,
// and separate signals for content, presence and state changes.
package docmodel

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/neurosift/nschat/internal/awareness"
	"github.com/neurosift/nschat/internal/chat"
	"github.com/neurosift/nschat/internal/signal"
)

const (
	DefaultKernelName     = "nschat-kernel"
	DefaultKernelLanguage = "python"
)

// StateDirty is the replicated state entry that drives the local dirty flag.
const StateDirty = "dirty"

// StateChange describes a transition of a model attribute.
type StateChange struct {
	Name     string
	OldValue any
	NewValue any
}

// Options configures New. A nil SharedModel creates a fresh document.
type Options struct {
	Collaborative bool
	SharedModel   *chat.Document
}

// Model adapts a chat.Document. The model owns the document and disposes it.
type Model struct {
	doc           *chat.Document
	collaborative bool

	changeSlot    signal.SlotID
	awarenessSlot awareness.HandlerID

	contentChanged signal.Signal[chat.Transcript]
	clientChanged  signal.Signal[map[uint64]awareness.State]
	stateChanged   signal.Signal[StateChange]

	mu       sync.Mutex
	dirty    bool
	readOnly bool
	disposed bool
}

// New wires a model to its document.
func New(opts Options) *Model {
	doc := opts.SharedModel
	if doc == nil {
		doc = chat.NewDocument(0)
	}
	m := &Model{doc: doc, collaborative: opts.Collaborative}
	m.changeSlot = doc.OnChange(m.onDocChange)
	m.awarenessSlot = doc.Awareness().On(m.onAwarenessChange)
	return m
}

// Document returns the shared chat document.
func (m *Model) Document() *chat.Document {
	return m.doc
}

// ClientID is the replica id of the underlying document.
func (m *Model) ClientID() uint64 {
	return m.doc.ClientID()
}

// Collaborative reports whether the model was created for a shared session.
func (m *Model) Collaborative() bool {
	return m.collaborative
}

// ContentChanged fires once per transcript change with the new transcript.
func (m *Model) ContentChanged() *signal.Signal[chat.Transcript] {
	return &m.contentChanged
}

// ClientChanged fires on every presence update with all known states.
func (m *Model) ClientChanged() *signal.Signal[map[uint64]awareness.State] {
	return &m.clientChanged
}

// StateChanged fires on dirty, read-only and replicated state transitions.
func (m *Model) StateChanged() *signal.Signal[StateChange] {
	return &m.stateChanged
}

// Chat returns the current transcript.
func (m *Model) Chat() chat.Transcript {
	return m.doc.Chat()
}

// SetChat replaces the transcript in one transaction.
func (m *Model) SetChat(t chat.Transcript) error {
	return m.doc.SetChat(t)
}

// String returns the on-disk representation: the transcript as JSON with
// two-space indentation.
func (m *Model) String() string {
	s, err := chat.EncodeIndent(m.doc.Chat())
	if err != nil {
		return `{"messages": []}`
	}
	return s
}

// FromString loads on-disk text in a single transaction. Text that does not
// hold a transcript loads as an empty chat. It only fails once the document
// is disposed.
func (m *Model) FromString(s string) error {
	t := chat.Decode(s)
	return m.doc.Transact(func(tx *chat.Tx) {
		tx.SetChat(t)
	})
}

// ToJSON returns the transcript as a JSON value, or nil when it cannot be
// produced.
func (m *Model) ToJSON() json.RawMessage {
	s := m.String()
	if !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

// FromJSON loads a JSON value the way FromString loads text.
func (m *Model) FromJSON(v json.RawMessage) error {
	return m.FromString(string(v))
}

// Initialize is called by hosts once the model is attached. Wiring happens
// in New, so there is nothing left to do.
func (m *Model) Initialize() {}

// Dirty reports unsaved local changes.
func (m *Model) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// SetDirty changes the local dirty flag, emitting a state change only when
// the value differs.
func (m *Model) SetDirty(v bool) {
	m.setFlag(StateDirty, &m.dirty, v)
}

// ReadOnly reports whether edits are refused.
func (m *Model) ReadOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readOnly
}

// SetReadOnly toggles edit refusal, emitting a state change on transitions.
func (m *Model) SetReadOnly(v bool) {
	m.setFlag("readOnly", &m.readOnly, v)
}

func (m *Model) IsDisposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// Dispose detaches from the document and its presence channel, drops every
// listener and disposes the document. Later calls do nothing.
func (m *Model) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.mu.Unlock()

	if m.doc != nil {
		m.doc.OffChange(m.changeSlot)
		m.doc.Awareness().Off(m.awarenessSlot)
	}
	m.contentChanged.Clear()
	m.clientChanged.Clear()
	m.stateChanged.Clear()
	if m.doc != nil {
		m.doc.Dispose()
	}
}

func (m *Model) setFlag(name string, field *bool, v bool) {
	m.mu.Lock()
	old := *field
	if old == v || m.disposed {
		m.mu.Unlock()
		return
	}
	*field = v
	m.mu.Unlock()

	m.stateChanged.Emit(StateChange{Name: name, OldValue: old, NewValue: v})
}

func (m *Model) onDocChange(c chat.Change) {
	if c.ChatChange != nil {
		m.contentChanged.Emit(*c.ChatChange)
		m.SetDirty(true)
	}
	for _, sc := range c.StateChange {
		if sc.Name == StateDirty {
			if v, ok := sc.NewValue.(bool); ok {
				m.SetDirty(v)
			}
			continue
		}
		if !reflect.DeepEqual(sc.OldValue, sc.NewValue) {
			m.stateChanged.Emit(StateChange(sc))
		}
	}
}

func (m *Model) onAwarenessChange(awareness.Change) {
	m.clientChanged.Emit(m.doc.Awareness().GetStates())
}
