// Package room hosts open chat documents on the server. A Room keeps the
// server-side replica of one document, relays CRDT updates and presence
// between the connections editing it and replicates them to other server
// instances. The Manager opens rooms on demand, closes them when the last
// member leaves and saves dirty documents in the background.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/neurosift/nschat/internal/awareness"
	"github.com/neurosift/nschat/internal/chat"
	"github.com/neurosift/nschat/internal/crdt"
	"github.com/neurosift/nschat/internal/docmodel"
	"github.com/neurosift/nschat/internal/logging"
	"github.com/neurosift/nschat/internal/metrics"
	"github.com/neurosift/nschat/internal/protocol"
	"github.com/neurosift/nschat/internal/signal"
)

var (
	ErrNotMember     = errors.New("room: connection has not joined the document")
	ErrReadOnly      = errors.New("room: document is read-only")
	ErrInvalidUpdate = errors.New("room: invalid update")
	ErrClosed        = errors.New("room: closed")
)

// Sender pushes protocol frames to a connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(connID string, data []byte) error

func (f SenderFunc) SendMessage(connID string, data []byte) error {
	return f(connID, data)
}

// DocumentStore persists the on-disk text of a document.
type DocumentStore interface {
	Load(ctx context.Context, docID string) (string, error)
	Save(ctx context.Context, docID, content string) error
}

// Replicator carries room events between server instances. Each document
// has its own channel.
type Replicator interface {
	PublishDoc(docID string, data []byte) error
	SubscribeDoc(docID string, handler func(data []byte)) error
	UnsubscribeDoc(docID string) error
}

// Replica event types.
const (
	EventUpdate    = "update"
	EventAwareness = "awareness"
	EventSync      = "sync"
)

// ReplicaEvent is the payload exchanged over the Replicator.
type ReplicaEvent struct {
	Type      string            `json:"type"`
	From      string            `json:"from"`
	Update    *crdt.Update      `json:"update,omitempty"`
	Awareness *awareness.Update `json:"awareness,omitempty"`
}

// Member is a connection that joined the room.
type Member struct {
	ConnID   string
	ClientID uint64
	User     *awareness.User
	JoinedAt time.Time
}

// memberOrigin tags changes made by a member's replica.
type memberOrigin string

// remoteOrigin tags changes that arrived from another server instance.
type remoteOrigin struct{}

// Room is one open document.
type Room struct {
	id         string
	server     string
	model      *docmodel.Model
	sender     Sender
	store      DocumentStore
	replicator Replicator
	log        zerolog.Logger

	updateObs   crdt.ObserverID
	contentSlot signal.SlotID
	stateSlot   signal.SlotID
	subscribed  bool

	saveMu sync.Mutex

	mu       sync.Mutex
	members  map[string]*Member
	clients  map[uint64]string
	closed   bool
	lastSave time.Time
}

func newRoom(id, server string, sender Sender, store DocumentStore, replicator Replicator) *Room {
	r := &Room{
		id:         id,
		server:     server,
		model:      docmodel.New(docmodel.Options{Collaborative: true}),
		sender:     sender,
		store:      store,
		replicator: replicator,
		log:        logging.Component("room").With().Str(logging.FieldDocID, id).Logger(),
		members:    make(map[string]*Member),
		clients:    make(map[uint64]string),
	}
	return r
}

// load fills the replica with the stored text and wires the room's
// listeners. The load itself is neither broadcast nor replicated.
func (r *Room) load(content string) error {
	if err := r.model.FromString(content); err != nil {
		return fmt.Errorf("room: load %s: %w", r.id, err)
	}
	r.model.SetDirty(false)

	r.updateObs = r.model.Document().Replica().OnUpdate(r.onUpdate)
	r.contentSlot = r.model.ContentChanged().Connect(r.onContentChanged)
	r.stateSlot = r.model.StateChanged().Connect(r.onStateChanged)

	if r.replicator != nil {
		if err := r.replicator.SubscribeDoc(r.id, r.onReplicaEvent); err != nil {
			r.log.Warn().Err(err).Msg("subscribe replication failed")
		} else {
			r.subscribed = true
			r.publish(ReplicaEvent{Type: EventSync})
		}
	}
	return nil
}

// ID returns the document id.
func (r *Room) ID() string {
	return r.id
}

// Model exposes the server replica.
func (r *Room) Model() *docmodel.Model {
	return r.model
}

// Members returns the current members sorted by client id.
func (r *Room) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Len returns the number of members.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Join adds a connection and returns what its replica needs to catch up.
// Joining twice returns the existing membership. The member announces its
// own presence through awareness updates.
func (r *Room) Join(connID string, user *awareness.User) (protocol.DocJoinedMsg, error) {
	clientID, err := r.admit(connID, user)
	if err != nil {
		return protocol.DocJoinedMsg{}, err
	}
	return r.joined(connID, clientID), nil
}

// admit records the membership of connID and returns its client id. A
// repeated call keeps the id of the first.
func (r *Room) admit(connID string, user *awareness.User) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	m, ok := r.members[connID]
	if !ok {
		m = &Member{
			ConnID:   connID,
			ClientID: r.newClientIDLocked(),
			User:     user,
			JoinedAt: time.Now(),
		}
		r.members[connID] = m
		r.clients[m.ClientID] = connID
	}
	return m.ClientID, nil
}

// joined builds the catch-up answer for an admitted member.
func (r *Room) joined(connID string, clientID uint64) protocol.DocJoinedMsg {
	doc := r.model.Document()
	msg := protocol.DocJoinedMsg{
		DocID:     r.id,
		ClientID:  clientID,
		Snapshot:  doc.Replica().Snapshot(),
		Awareness: doc.Awareness().EncodeUpdate(),
		Dirty:     r.model.Dirty(),
		ReadOnly:  r.model.ReadOnly(),
	}
	r.log.Info().Str(logging.FieldConnID, connID).Uint64(logging.FieldClientID, clientID).Msg("member joined")
	return msg
}

// newClientIDLocked draws an id that no member, no known peer and not the
// server replica uses. Caller holds mu.
func (r *Room) newClientIDLocked() uint64 {
	states := r.model.Document().Awareness().GetStates()
	for {
		id := crdt.NewClientID()
		if id == r.model.ClientID() {
			continue
		}
		if _, taken := r.clients[id]; taken {
			continue
		}
		if _, taken := states[id]; taken {
			continue
		}
		return id
	}
}

// Leave removes a member, drops its presence and tells the others. It
// returns the number of members left.
func (r *Room) Leave(connID string) int {
	m, left, ok := r.remove(connID)
	if ok {
		r.announceLeave(m, left)
	}
	return left
}

// remove drops the membership of connID without telling anyone.
func (r *Room) remove(connID string) (Member, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return Member{}, len(r.members), false
	}
	delete(r.members, connID)
	delete(r.clients, m.ClientID)
	return *m, len(r.members), true
}

// announceLeave removes the presence of a removed member and broadcasts
// the removal.
func (r *Room) announceLeave(m Member, left int) {
	u := r.model.Document().Awareness().RemoveStates([]uint64{m.ClientID}, memberOrigin(m.ConnID))
	r.broadcastAwareness(u, "")
	r.publish(ReplicaEvent{Type: EventAwareness, Awareness: &u})

	r.log.Info().Str(logging.FieldConnID, m.ConnID).Uint64(logging.FieldClientID, m.ClientID).Int("remaining", left).Msg("member left")
}

// IsMember reports whether connID joined the room.
func (r *Room) IsMember(connID string) bool {
	_, err := r.member(connID)
	return err == nil
}

func (r *Room) member(connID string) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return Member{}, ErrNotMember
	}
	return *m, nil
}

// ApplyUpdate merges an update produced by a member's replica. The update
// may only carry entries written by that member, and a new transcript must
// pass validation.
func (r *Room) ApplyUpdate(connID string, u crdt.Update) error {
	m, err := r.member(connID)
	if err != nil {
		return err
	}
	if r.model.ReadOnly() {
		metrics.RejectedUpdates.WithLabelValues("read_only").Inc()
		return ErrReadOnly
	}
	if err := validateUpdate(u, m.ClientID, r.model.Document().Replica().Clock()); err != nil {
		metrics.RejectedUpdates.WithLabelValues("invalid").Inc()
		return err
	}
	if u.IsEmpty() {
		return nil
	}
	if err := r.model.Document().Replica().ApplyUpdate(u, memberOrigin(connID)); err != nil {
		return fmt.Errorf("room: apply update: %w", err)
	}
	return nil
}

// MaxClockLead is how far past the room replica's clock a member's entry
// may be before the update is rejected.
const MaxClockLead = 1 << 16

func validateUpdate(u crdt.Update, clientID, clock uint64) error {
	limit := clock + uint64(len(u.Entries)) + MaxClockLead
	if limit < clock {
		limit = math.MaxUint64 - 1
	}
	for _, e := range u.Entries {
		if e.Client != clientID {
			return fmt.Errorf("%w: entry for %s/%s written by client %d", ErrInvalidUpdate, e.Map, e.Key, e.Client)
		}
		if e.Clock > limit {
			return fmt.Errorf("%w: entry for %s/%s has clock %d, replica is at %d", ErrInvalidUpdate, e.Map, e.Key, e.Clock, clock)
		}
		if e.Map != chat.ContentMap || e.Key != string(chat.KeyChat) || e.Deleted {
			continue
		}
		t, err := chat.Parse(e.Value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		if err := chat.ValidateTranscript(t); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
	}
	return nil
}

// SetChat replaces the transcript on behalf of a member without a replica.
func (r *Room) SetChat(connID string, t chat.Transcript) error {
	if _, err := r.member(connID); err != nil {
		return err
	}
	if r.model.ReadOnly() {
		metrics.RejectedUpdates.WithLabelValues("read_only").Inc()
		return ErrReadOnly
	}
	if err := chat.ValidateTranscript(t); err != nil {
		metrics.RejectedUpdates.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return r.model.SetChat(t)
}

// SetReadOnly toggles whether the room accepts edits.
func (r *Room) SetReadOnly(connID string, readOnly bool) error {
	if _, err := r.member(connID); err != nil {
		return err
	}
	r.model.SetReadOnly(readOnly)
	return nil
}

// ApplyAwareness merges a member's presence. Entries about other clients
// are dropped.
func (r *Room) ApplyAwareness(connID string, u awareness.Update) error {
	m, err := r.member(connID)
	if err != nil {
		return err
	}
	own := awareness.Update{}
	for _, cs := range u.Clients {
		if cs.ClientID == m.ClientID {
			own.Clients = append(own.Clients, cs)
		}
	}
	if len(own.Clients) == 0 {
		return nil
	}
	r.model.Document().Awareness().ApplyUpdate(own, memberOrigin(connID))
	metrics.AwarenessUpdates.Inc()

	r.broadcastAwareness(own, connID)
	r.publish(ReplicaEvent{Type: EventAwareness, Awareness: &own})
	return nil
}

// ExpirePresence drops presence that was not renewed within timeout and
// announces the removal.
func (r *Room) ExpirePresence(now time.Time, timeout time.Duration) []uint64 {
	aw := r.model.Document().Awareness()
	ids := aw.RemoveOutdated(now, timeout)
	if len(ids) == 0 {
		return nil
	}
	u := aw.EncodeUpdate(ids...)
	r.broadcastAwareness(u, "")
	r.publish(ReplicaEvent{Type: EventAwareness, Awareness: &u})
	r.log.Debug().Int("clients", len(ids)).Msg("expired presence")
	return ids
}

// Dirty reports whether the document has unsaved changes.
func (r *Room) Dirty() bool {
	return r.model.Dirty()
}

// LastSave returns when the room last persisted its document.
func (r *Room) LastSave() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSave
}

// Save persists the on-disk text. When nothing changed while writing, the
// replicated dirty entry is cleared so every replica converges on clean.
func (r *Room) Save(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	if r.model.IsDisposed() {
		return ErrClosed
	}
	content := r.model.String()

	start := time.Now()
	err := r.store.Save(ctx, r.id, content)
	metrics.SaveLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("room: save %s: %w", r.id, err)
	}
	metrics.SavesTotal.WithLabelValues("ok").Inc()

	savedAt := time.Now()
	r.mu.Lock()
	r.lastSave = savedAt
	r.mu.Unlock()

	if r.model.Dirty() && r.model.String() == content {
		if err := r.model.Document().SetState(docmodel.StateDirty, false); err != nil {
			r.log.Warn().Err(err).Msg("clearing dirty state failed")
		}
	}

	r.broadcast(protocol.TypeDocSaved, protocol.DocSavedMsg{DocID: r.id, SavedAt: savedAt.UnixMilli()}, "")
	r.log.Debug().Dur("took", time.Since(start)).Msg("document saved")
	return nil
}

// close detaches the room. Saving beforehand is the caller's business.
func (r *Room) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	if r.subscribed {
		if err := r.replicator.UnsubscribeDoc(r.id); err != nil {
			r.log.Warn().Err(err).Msg("unsubscribe replication failed")
		}
	}
	r.model.Dispose()
}

// ---------------------------------------------------------------------------
// Listeners
// ---------------------------------------------------------------------------

func (r *Room) onUpdate(u crdt.Update, origin any) {
	var exclude string
	switch o := origin.(type) {
	case memberOrigin:
		exclude = string(o)
		metrics.DocUpdates.WithLabelValues("client").Inc()
	case remoteOrigin:
		metrics.DocUpdates.WithLabelValues("replica").Inc()
	default:
		metrics.DocUpdates.WithLabelValues("local").Inc()
	}

	r.broadcast(protocol.TypeDocUpdate, protocol.DocUpdateMsg{DocID: r.id, Update: u}, exclude)
	if _, remote := origin.(remoteOrigin); !remote {
		r.publish(ReplicaEvent{Type: EventUpdate, Update: &u})
	}
}

func (r *Room) onContentChanged(t chat.Transcript) {
	r.broadcast(protocol.TypeContentChanged, protocol.ContentChangedMsg{DocID: r.id, Chat: t}, "")
}

func (r *Room) onStateChanged(sc docmodel.StateChange) {
	r.broadcast(protocol.TypeStateChanged, protocol.StateChangedMsg{
		DocID:    r.id,
		Name:     sc.Name,
		OldValue: sc.OldValue,
		NewValue: sc.NewValue,
	}, "")
}

func (r *Room) onReplicaEvent(data []byte) {
	var ev ReplicaEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.log.Warn().Err(err).Msg("malformed replica event")
		return
	}
	if ev.From == r.server {
		return
	}

	doc := r.model.Document()
	switch ev.Type {
	case EventUpdate:
		if ev.Update == nil {
			return
		}
		if err := doc.Replica().ApplyUpdate(*ev.Update, remoteOrigin{}); err != nil && !errors.Is(err, crdt.ErrDisposed) {
			r.log.Warn().Err(err).Str(logging.FieldServer, ev.From).Msg("apply replica update failed")
		}
	case EventAwareness:
		if ev.Awareness == nil {
			return
		}
		doc.Awareness().ApplyUpdate(*ev.Awareness, remoteOrigin{})
		r.broadcastAwareness(*ev.Awareness, "")
	case EventSync:
		snap := doc.Replica().Snapshot()
		aw := doc.Awareness().EncodeUpdate()
		r.publish(ReplicaEvent{Type: EventUpdate, Update: &snap})
		r.publish(ReplicaEvent{Type: EventAwareness, Awareness: &aw})
	default:
		r.log.Debug().Str("event", ev.Type).Msg("ignoring unknown replica event")
	}
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

func (r *Room) broadcastAwareness(u awareness.Update, exclude string) {
	if len(u.Clients) == 0 {
		return
	}
	r.broadcast(protocol.TypeAwareness, protocol.AwarenessMsg{DocID: r.id, Update: u}, exclude)
}

func (r *Room) broadcast(msgType string, payload any, exclude string) {
	r.mu.Lock()
	targets := make([]string, 0, len(r.members))
	for id := range r.members {
		if id != exclude {
			targets = append(targets, id)
		}
	}
	r.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", msgType).Msg("building message failed")
		return
	}
	for _, id := range targets {
		if err := r.sender.SendMessage(id, data); err != nil {
			r.log.Debug().Err(err).Str(logging.FieldConnID, id).Msg("send failed")
			continue
		}
		metrics.MessagesTotal.WithLabelValues("out", msgType).Inc()
	}
}

func (r *Room) publish(ev ReplicaEvent) {
	if r.replicator == nil {
		return
	}
	ev.From = r.server
	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Error().Err(err).Msg("encoding replica event failed")
		return
	}
	if err := r.replicator.PublishDoc(r.id, data); err != nil {
		r.log.Warn().Err(err).Str("event", ev.Type).Msg("publish replica event failed")
	}
}
