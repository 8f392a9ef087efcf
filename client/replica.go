package client

import (
	"errors"
	"sync"
	"time"

	"github.com/neurosift/nschat/internal/awareness"
	"github.com/neurosift/nschat/internal/chat"
	"github.com/neurosift/nschat/internal/crdt"
	"github.com/neurosift/nschat/internal/docmodel"
	"github.com/neurosift/nschat/internal/logging"
	"github.com/neurosift/nschat/internal/protocol"
)

var ErrReadOnly = errors.New("client: document is read-only")

// remoteOrigin marks changes that arrived from the server.
type remoteOrigin struct{}

// Replica is the local copy of one joined document.
type Replica struct {
	c     *Client
	docID string
	model *docmodel.Model

	updateObs crdt.ObserverID
	presence  awareness.HandlerID
	user      *awareness.User

	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	lastSave time.Time
}

// newReplica builds the model from a doc_joined answer: the snapshot and
// presence are applied as remote changes, then the server's flags are
// adopted.
func newReplica(c *Client, m protocol.DocJoinedMsg, user *awareness.User) (*Replica, error) {
	doc := chat.NewDocument(m.ClientID)
	model := docmodel.New(docmodel.Options{Collaborative: true, SharedModel: doc})
	if err := doc.Replica().ApplyUpdate(m.Snapshot, remoteOrigin{}); err != nil {
		model.Dispose()
		return nil, err
	}
	model.SetDirty(m.Dirty)
	model.SetReadOnly(m.ReadOnly)
	doc.Awareness().ApplyUpdate(m.Awareness, remoteOrigin{})

	r := &Replica{
		c:     c,
		docID: m.DocID,
		model: model,
		user:  user,
		stop:  make(chan struct{}),
	}
	r.updateObs = doc.Replica().OnUpdate(r.onUpdate)
	r.presence = doc.Awareness().On(r.onPresence)
	return r, nil
}

// start announces presence and keeps it alive.
func (r *Replica) start() {
	aw := r.model.Document().Awareness()
	if r.user != nil {
		aw.SetLocalState(&awareness.State{User: r.user})
	}
	go r.renewLoop(r.c.opts.RenewInterval)
}

func (r *Replica) DocID() string {
	return r.docID
}

func (r *Replica) ClientID() uint64 {
	return r.model.ClientID()
}

// Model exposes the document model for reading and for connecting to its
// change signals.
func (r *Replica) Model() *docmodel.Model {
	return r.model
}

func (r *Replica) Chat() chat.Transcript {
	return r.model.Chat()
}

// SetChat replaces the transcript. The change is sent to the server as one
// update.
func (r *Replica) SetChat(t chat.Transcript) error {
	if r.model.ReadOnly() {
		return ErrReadOnly
	}
	if err := chat.ValidateTranscript(t); err != nil {
		return err
	}
	return r.model.SetChat(t)
}

// AppendMessage adds msg to the end of the transcript.
func (r *Replica) AppendMessage(msg any) error {
	t, err := r.model.Chat().Append(msg)
	if err != nil {
		return err
	}
	return r.SetChat(t)
}

// SetPointer publishes the local pointer position. A nil point clears it.
func (r *Replica) SetPointer(p *awareness.Point) {
	aw := r.model.Document().Awareness()
	state, _ := aw.LocalState()
	state.Mouse = p
	if state.User == nil {
		state.User = r.user
	}
	aw.SetLocalState(&state)
}

// Peers returns the presence of every other client on the document.
func (r *Replica) Peers() map[uint64]awareness.State {
	states := r.model.Document().Awareness().GetStates()
	delete(states, r.ClientID())
	return states
}

// Save asks the server to persist the document. LastSave reports when it
// happened.
func (r *Replica) Save() error {
	return r.c.send(protocol.TypeSaveDoc, protocol.SaveDocMsg{DocID: r.docID})
}

func (r *Replica) LastSave() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSave
}

// SetReadOnly toggles the document's read-only flag for every member.
func (r *Replica) SetReadOnly(v bool) error {
	return r.c.send(protocol.TypeSetReadOnly, protocol.SetReadOnlyMsg{DocID: r.docID, ReadOnly: v})
}

// Leave closes the document on the server and disposes the replica.
func (r *Replica) Leave() error {
	err := r.c.send(protocol.TypeLeaveDoc, protocol.LeaveDocMsg{DocID: r.docID})
	r.c.forget(r.docID, r)
	r.dispose()
	return err
}

func (r *Replica) dispose() {
	r.stopOnce.Do(func() {
		close(r.stop)
		doc := r.model.Document()
		doc.Replica().OffUpdate(r.updateObs)
		doc.Awareness().Off(r.presence)
		r.model.Dispose()
	})
}

func (r *Replica) renewLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-r.c.done:
			return
		case now := <-ticker.C:
			aw := r.model.Document().Awareness()
			if state, ok := aw.LocalState(); ok {
				aw.SetLocalState(&state)
			}
			aw.RemoveOutdated(now, awareness.DefaultTimeout)
		}
	}
}

// onUpdate ships updates made through this replica's document.
func (r *Replica) onUpdate(u crdt.Update, origin any) {
	if origin != r.model.Document() {
		return
	}
	if err := r.c.send(protocol.TypeDocUpdate, protocol.DocUpdateMsg{DocID: r.docID, Update: u}); err != nil {
		r.c.log.Warn().Err(err).Str(logging.FieldDocID, r.docID).Msg("sending update failed")
	}
}

// onPresence ships changes of the local client's presence.
func (r *Replica) onPresence(ch awareness.Change) {
	if _, remote := ch.Origin.(remoteOrigin); remote {
		return
	}
	local := r.ClientID()
	if !touches(ch, local) {
		return
	}
	u := r.model.Document().Awareness().EncodeUpdate(local)
	if err := r.c.send(protocol.TypeAwareness, protocol.AwarenessMsg{DocID: r.docID, Update: u}); err != nil {
		r.c.log.Debug().Err(err).Str(logging.FieldDocID, r.docID).Msg("sending presence failed")
	}
}

func (r *Replica) applyUpdate(u crdt.Update) {
	if err := r.model.Document().Replica().ApplyUpdate(u, remoteOrigin{}); err != nil && !errors.Is(err, crdt.ErrDisposed) {
		r.c.log.Warn().Err(err).Str(logging.FieldDocID, r.docID).Msg("applying update failed")
	}
}

func (r *Replica) applyAwareness(u awareness.Update) {
	r.model.Document().Awareness().ApplyUpdate(u, remoteOrigin{})
}

// applyState adopts server-side flags. The dirty flag is not handled here;
// it replicates through the document.
func (r *Replica) applyState(m protocol.StateChangedMsg) {
	if m.Name != "readOnly" {
		return
	}
	if v, ok := m.NewValue.(bool); ok {
		r.model.SetReadOnly(v)
	}
}

func (r *Replica) saved(at time.Time) {
	r.mu.Lock()
	r.lastSave = at
	r.mu.Unlock()
}

func touches(ch awareness.Change, id uint64) bool {
	for _, list := range [][]uint64{ch.Added, ch.Updated, ch.Removed} {
		for _, c := range list {
			if c == id {
				return true
			}
		}
	}
	return false
}
