package chat

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/neurosift/nschat/internal/awareness"
	"github.com/neurosift/nschat/internal/crdt"
	"github.com/neurosift/nschat/internal/signal"
)

// Version of the chat document format.
const Version = "1.0.0"

// Names of the shared maps backing a document.
const (
	ContentMap = "content"
	StateMap   = "state"
)

// Key names a content entry of the document.
type Key string

// KeyChat holds the transcript in the content map.
const KeyChat Key = "chat"

// ErrSetSourceUnsupported is returned by SetSource.
var ErrSetSourceUnsupported = errors.New("chat: setting the document source is not supported")

// StateChange is one entry of the replicated state map that changed. Values
// are decoded JSON; a removed entry has a nil NewValue.
type StateChange struct {
	Name     string
	OldValue any
	NewValue any
}

// Change is delivered to OnChange listeners. ChatChange is set when the
// transcript changed; StateChange lists changed state entries.
type Change struct {
	ChatChange  *Transcript
	StateChange []StateChange
	Local       bool
}

// Document is the shared, replicated model of one chat transcript plus a
// small key/value state map and the presence of connected peers.
type Document struct {
	replica   *crdt.Doc
	content   *crdt.Map
	state     *crdt.Map
	awareness *awareness.Awareness

	contentObs crdt.ObserverID
	stateObs   crdt.ObserverID
	changed    signal.Signal[Change]

	mu       sync.Mutex
	disposed bool
}

// NewDocument creates an empty document. A zero clientID draws a random one.
func NewDocument(clientID uint64) *Document {
	replica := crdt.NewDoc(clientID)
	d := &Document{
		replica:   replica,
		content:   replica.Map(ContentMap),
		state:     replica.Map(StateMap),
		awareness: awareness.New(replica.ClientID()),
	}
	d.contentObs = d.content.Observe(d.onContent)
	d.stateObs = d.state.Observe(d.onState)
	return d
}

// ClientID returns the replica's client id.
func (d *Document) ClientID() uint64 {
	return d.replica.ClientID()
}

// Replica exposes the underlying CRDT document for transports that exchange
// updates.
func (d *Document) Replica() *crdt.Doc {
	return d.replica
}

// Awareness returns the presence tracker bound to this document.
func (d *Document) Awareness() *awareness.Awareness {
	return d.awareness
}

// Chat returns the current transcript. A missing or corrupt entry yields
// the empty transcript.
func (d *Document) Chat() Transcript {
	raw, ok := d.content.Get(string(KeyChat))
	if !ok {
		return EmptyTranscript()
	}
	return Decode(raw)
}

// SetChat replaces the transcript in one transaction.
func (d *Document) SetChat(t Transcript) error {
	return d.Transact(func(tx *Tx) {
		tx.SetChat(t)
	})
}

// Get returns the value for key: a Transcript for KeyChat, the raw stored
// string for other keys, nil when absent.
func (d *Document) Get(key Key) any {
	if key == KeyChat {
		return d.Chat()
	}
	raw, ok := d.content.Get(string(key))
	if !ok {
		return nil
	}
	return raw
}

// Source returns a snapshot of the whole content map.
func (d *Document) Source() map[string]any {
	out := make(map[string]any)
	for k, v := range d.content.ToJSON() {
		out[k] = v
	}
	return out
}

// SetSource always fails; replace the transcript with SetChat instead.
func (d *Document) SetSource(map[string]any) error {
	return ErrSetSourceUnsupported
}

// SetState stores a JSON-encodable value in the replicated state map.
func (d *Document) SetState(name string, value any) error {
	return d.Transact(func(tx *Tx) {
		tx.SetState(name, value)
	})
}

// State returns a decoded state entry.
func (d *Document) State(name string) (any, bool) {
	raw, ok := d.state.Get(name)
	if !ok {
		return nil, false
	}
	return decodeState(raw), true
}

// Transact batches writes so peers receive them as one update and listeners
// see them once. Nothing is written if any write fails to encode.
func (d *Document) Transact(fn func(tx *Tx)) error {
	tx := &Tx{}
	fn(tx)
	if tx.err != nil {
		return tx.err
	}
	if len(tx.writes) == 0 {
		return nil
	}
	return d.replica.Transact(d, func(t *crdt.Txn) {
		for _, w := range tx.writes {
			t.Set(w.mapName, w.key, w.value)
		}
	})
}

// OnChange connects a listener. Listeners must not dispose the document.
func (d *Document) OnChange(fn func(Change)) signal.SlotID {
	return d.changed.Connect(fn)
}

// OffChange disconnects a listener added with OnChange.
func (d *Document) OffChange(id signal.SlotID) bool {
	return d.changed.Disconnect(id)
}

// IsDisposed reports whether Dispose has been called.
func (d *Document) IsDisposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}

// Dispose releases observers, presence and the replica. It is safe to call
// more than once.
func (d *Document) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	d.mu.Unlock()

	d.content.Unobserve(d.contentObs)
	d.state.Unobserve(d.stateObs)
	d.changed.Clear()
	d.awareness.Destroy()
	d.replica.Dispose()
}

func (d *Document) onContent(ev crdt.MapEvent) {
	kc, ok := ev.Keys[string(KeyChat)]
	if !ok {
		return
	}
	t := EmptyTranscript()
	if kc.Action != crdt.ActionDelete {
		t = Decode(kc.NewValue)
	}
	d.changed.Emit(Change{ChatChange: &t, Local: ev.Local})
}

func (d *Document) onState(ev crdt.MapEvent) {
	names := make([]string, 0, len(ev.Keys))
	for k := range ev.Keys {
		names = append(names, k)
	}
	sort.Strings(names)

	changes := make([]StateChange, 0, len(names))
	for _, name := range names {
		kc := ev.Keys[name]
		sc := StateChange{Name: name}
		if kc.Action != crdt.ActionAdd {
			sc.OldValue = decodeState(kc.OldValue)
		}
		if kc.Action != crdt.ActionDelete {
			sc.NewValue = decodeState(kc.NewValue)
		}
		changes = append(changes, sc)
	}
	d.changed.Emit(Change{StateChange: changes, Local: ev.Local})
}

// Tx collects the writes of one Transact call.
type Tx struct {
	writes []write
	err    error
}

type write struct {
	mapName string
	key     string
	value   string
}

// SetChat records a transcript replacement.
func (tx *Tx) SetChat(t Transcript) {
	s, err := Encode(t)
	if err != nil {
		tx.fail(err)
		return
	}
	tx.writes = append(tx.writes, write{ContentMap, string(KeyChat), s})
}

// SetRaw records a raw content entry.
func (tx *Tx) SetRaw(key Key, value string) {
	tx.writes = append(tx.writes, write{ContentMap, string(key), value})
}

// SetState records a state entry.
func (tx *Tx) SetState(name string, value any) {
	b, err := json.Marshal(value)
	if err != nil {
		tx.fail(err)
		return
	}
	tx.writes = append(tx.writes, write{StateMap, name, string(b)})
}

func (tx *Tx) fail(err error) {
	if tx.err == nil {
		tx.err = err
	}
}

func decodeState(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
