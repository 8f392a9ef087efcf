// Package awareness distributes ephemeral per-client presence (pointer
// position, user identity) between the replicas of one document. Presence is
// independent of document content and is never persisted.
package awareness

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is how long a remote client may go without renewing its
// state before it is considered gone.
const DefaultTimeout = 30 * time.Second

// Point is a pointer position in panel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// User identifies the person behind a client.
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// State is the presence record of one client.
type State struct {
	Mouse *Point `json:"mouse,omitempty"`
	User  *User  `json:"user,omitempty"`
}

// ClientState is one client's entry in an awareness update. A nil State
// announces that the client went offline.
type ClientState struct {
	ClientID uint64 `json:"client_id"`
	Clock    uint32 `json:"clock"`
	State    *State `json:"state"`
}

// Update carries presence entries between replicas.
type Update struct {
	Clients []ClientState `json:"clients"`
}

// Change lists the clients affected by one accepted update.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Origin  any
}

// Empty reports whether the change affects no client.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// HandlerID identifies a registered change handler.
type HandlerID uint64

type meta struct {
	clock       uint32
	lastUpdated time.Time
}

// Awareness holds the presence states known to one replica.
type Awareness struct {
	clientID uint64

	mu       sync.RWMutex
	states   map[uint64]State
	meta     map[uint64]meta
	handlers map[HandlerID]func(Change)
	nextID   HandlerID
	now      func() time.Time
}

// New creates an awareness instance for the given local client.
func New(clientID uint64) *Awareness {
	return &Awareness{
		clientID: clientID,
		states:   make(map[uint64]State),
		meta:     make(map[uint64]meta),
		handlers: make(map[HandlerID]func(Change)),
		now:      time.Now,
	}
}

// ClientID returns the local client id.
func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// SetLocalState publishes the local client's state. A nil state marks the
// local client offline.
func (a *Awareness) SetLocalState(s *State) {
	a.mu.Lock()
	m := a.meta[a.clientID]
	_, had := a.states[a.clientID]
	m.clock++
	m.lastUpdated = a.now()
	a.meta[a.clientID] = m

	var ch Change
	switch {
	case s == nil:
		if had {
			delete(a.states, a.clientID)
			ch.Removed = []uint64{a.clientID}
		}
	case !had:
		a.states[a.clientID] = copyState(*s)
		ch.Added = []uint64{a.clientID}
	default:
		a.states[a.clientID] = copyState(*s)
		ch.Updated = []uint64{a.clientID}
	}
	a.mu.Unlock()

	a.emit(ch)
}

// LocalState returns the local client's state.
func (a *Awareness) LocalState() (State, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.states[a.clientID]
	return copyState(s), ok
}

// GetStates returns a copy of every known client state.
func (a *Awareness) GetStates() map[uint64]State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[uint64]State, len(a.states))
	for id, s := range a.states {
		out[id] = copyState(s)
	}
	return out
}

// On registers fn for every accepted change.
func (a *Awareness) On(fn func(Change)) HandlerID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.handlers[a.nextID] = fn
	return a.nextID
}

// Off removes a change handler.
func (a *Awareness) Off(id HandlerID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.handlers[id]
	delete(a.handlers, id)
	return ok
}

// EncodeUpdate builds an update for the given clients. With no clients it
// covers every client that has a clock.
func (a *Awareness) EncodeUpdate(clients ...uint64) Update {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(clients) == 0 {
		for id := range a.meta {
			clients = append(clients, id)
		}
		sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	}

	u := Update{Clients: make([]ClientState, 0, len(clients))}
	for _, id := range clients {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		cs := ClientState{ClientID: id, Clock: m.clock}
		if s, ok := a.states[id]; ok {
			st := copyState(s)
			cs.State = &st
		}
		u.Clients = append(u.Clients, cs)
	}
	return u
}

// ApplyUpdate merges presence received from another replica. An entry is
// accepted when its clock is newer, or equal and announcing removal. Entries
// about the local client are ignored; only this replica speaks for it.
func (a *Awareness) ApplyUpdate(u Update, origin any) {
	a.mu.Lock()
	now := a.now()
	ch := Change{Origin: origin}
	for _, cs := range u.Clients {
		if cs.ClientID == a.clientID {
			continue
		}
		cur, known := a.meta[cs.ClientID]
		_, had := a.states[cs.ClientID]
		if known && cs.Clock < cur.clock {
			continue
		}
		if known && cs.Clock == cur.clock && !(cs.State == nil && had) {
			continue
		}

		a.meta[cs.ClientID] = meta{clock: cs.Clock, lastUpdated: now}
		switch {
		case cs.State == nil:
			if had {
				delete(a.states, cs.ClientID)
				ch.Removed = append(ch.Removed, cs.ClientID)
			}
		case had:
			a.states[cs.ClientID] = copyState(*cs.State)
			ch.Updated = append(ch.Updated, cs.ClientID)
		default:
			a.states[cs.ClientID] = copyState(*cs.State)
			ch.Added = append(ch.Added, cs.ClientID)
		}
	}
	a.mu.Unlock()

	a.emit(ch)
}

// RemoveStates drops the given clients, for example when their connection
// closes, and returns the update announcing the removal to other replicas.
func (a *Awareness) RemoveStates(clients []uint64, origin any) Update {
	a.mu.Lock()
	ch := Change{Origin: origin}
	u := Update{}
	for _, id := range clients {
		m := a.meta[id]
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			ch.Removed = append(ch.Removed, id)
		}
		if id != a.clientID {
			m.clock++
			m.lastUpdated = a.now()
			a.meta[id] = m
		}
		u.Clients = append(u.Clients, ClientState{ClientID: id, Clock: m.clock})
	}
	a.mu.Unlock()

	a.emit(ch)
	return u
}

// RemoveOutdated drops remote clients that have not renewed their state
// within timeout. The local client is never removed.
func (a *Awareness) RemoveOutdated(now time.Time, timeout time.Duration) []uint64 {
	a.mu.RLock()
	var stale []uint64
	for id, m := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(m.lastUpdated) >= timeout {
			stale = append(stale, id)
		}
	}
	a.mu.RUnlock()

	if len(stale) == 0 {
		return nil
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	a.RemoveStates(stale, "timeout")
	return stale
}

// Destroy marks the local client offline and drops every handler.
func (a *Awareness) Destroy() {
	a.SetLocalState(nil)
	a.mu.Lock()
	a.handlers = make(map[HandlerID]func(Change))
	a.mu.Unlock()
}

func (a *Awareness) emit(ch Change) {
	if ch.Empty() {
		return
	}
	a.mu.RLock()
	ids := make([]HandlerID, 0, len(a.handlers))
	for id := range a.handlers {
		ids = append(ids, id)
	}
	a.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		a.mu.RLock()
		fn := a.handlers[id]
		a.mu.RUnlock()
		if fn != nil {
			fn(ch)
		}
	}
}

// EncodeJSON serializes an update for the wire.
func EncodeJSON(u Update) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("awareness: encode update: %w", err)
	}
	return data, nil
}

// DecodeJSON parses an update produced by EncodeJSON.
func DecodeJSON(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("awareness: decode update: %w", err)
	}
	return u, nil
}

func copyState(s State) State {
	out := State{}
	if s.Mouse != nil {
		p := *s.Mouse
		out.Mouse = &p
	}
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	return out
}
