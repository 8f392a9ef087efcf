// Package crdt implements the synchronized map store that backs shared chat
// documents. A Doc is one replica: a set of named last-writer-wins maps whose
// entries carry a Lamport clock and the id of the writing client. Replicas
// exchange Updates and converge without coordination or locking between
// them.
package crdt

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
)

var (
	// ErrDisposed is returned by mutations on a disposed document.
	ErrDisposed = errors.New("crdt: document disposed")
	// ErrClockExhausted is returned by Transact once the Lamport clock has
	// reached its maximum and a new write could no longer win.
	ErrClockExhausted = errors.New("crdt: clock exhausted")
)

// ObserverID identifies a registered observer or update handler.
type ObserverID uint64

// NewClientID draws a random non-zero 32-bit client id. Ids only need to be
// unique among the replicas of one open document.
func NewClientID() uint64 {
	for {
		if id := uint64(rand.Uint32()); id != 0 {
			return id
		}
	}
}

// Doc is one replica of a shared document.
//
// Mutations and remote updates are applied under mu and their events are
// dispatched after mu is released, serialized by dispatchMu so observers see
// events in apply order. Observers may read the document but must not mutate
// it or dispose it synchronously from a callback.
type Doc struct {
	clientID uint64

	dispatchMu sync.Mutex

	mu       sync.RWMutex
	clock    uint64
	maps     map[string]*Map
	entries  map[string]map[string]Entry
	observed map[string]map[ObserverID]func(MapEvent)
	updates  map[ObserverID]func(Update, any)
	nextID   ObserverID
	disposed bool
}

// NewDoc creates an empty replica. A zero clientID draws a random one.
func NewDoc(clientID uint64) *Doc {
	if clientID == 0 {
		clientID = NewClientID()
	}
	return &Doc{
		clientID: clientID,
		maps:     make(map[string]*Map),
		entries:  make(map[string]map[string]Entry),
		observed: make(map[string]map[ObserverID]func(MapEvent)),
		updates:  make(map[ObserverID]func(Update, any)),
	}
}

// ClientID returns the id this replica stamps on its writes.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Clock returns the current Lamport clock of the replica.
func (d *Doc) Clock() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clock
}

// Map returns the named map, creating the view on first use.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name}
		d.maps[name] = m
	}
	return m
}

// IsDisposed reports whether Dispose has been called.
func (d *Doc) IsDisposed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.disposed
}

// Transact runs fn and applies every write it records as a single Update.
// Reads inside fn observe the state before the transaction. The origin is
// passed through to observers and update handlers.
func (d *Doc) Transact(origin any, fn func(tx *Txn)) error {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	if d.IsDisposed() {
		return ErrDisposed
	}

	tx := &Txn{writes: make(map[entryKey]pendingWrite)}
	fn(tx)
	if len(tx.order) == 0 {
		return nil
	}

	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return ErrDisposed
	}
	if d.clock == math.MaxUint64 {
		d.mu.Unlock()
		return ErrClockExhausted
	}
	d.clock++
	entries := make([]Entry, 0, len(tx.order))
	for _, k := range tx.order {
		w := tx.writes[k]
		entries = append(entries, Entry{
			Map:     k.m,
			Key:     k.k,
			Value:   w.value,
			Deleted: w.deleted,
			Clock:   d.clock,
			Client:  d.clientID,
		})
	}
	events, applied := d.integrate(entries, origin, true)
	d.mu.Unlock()

	d.dispatch(events, Update{Client: d.clientID, Entries: applied}, origin)
	return nil
}

// ApplyUpdate merges an update received from another replica. Entries that
// lose against local state are dropped; only the effective ones reach
// observers and update handlers.
func (d *Doc) ApplyUpdate(u Update, origin any) error {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return ErrDisposed
	}
	events, applied := d.integrate(u.Entries, origin, false)
	d.mu.Unlock()

	d.dispatch(events, Update{Client: u.Client, Entries: applied}, origin)
	return nil
}

// Snapshot encodes the complete state of the replica, tombstones included,
// as an update another replica can apply to catch up.
func (d *Doc) Snapshot() Update {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u := Update{Client: d.clientID}
	for _, m := range d.entries {
		for _, e := range m {
			u.Entries = append(u.Entries, e)
		}
	}
	sortEntries(u.Entries)
	return u
}

// OnUpdate registers fn to be called once per applied update, local or
// remote, with the effective entries and the transaction origin.
func (d *Doc) OnUpdate(fn func(u Update, origin any)) ObserverID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.updates[d.nextID] = fn
	return d.nextID
}

// OffUpdate removes an update handler.
func (d *Doc) OffUpdate(id ObserverID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.updates[id]
	delete(d.updates, id)
	return ok
}

// Dispose drops every observer and handler and rejects later mutations. It
// waits for an in-flight dispatch to finish, so no callback runs after it
// returns. Calling it again is a no-op.
func (d *Doc) Dispose() {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return
	}
	d.disposed = true
	d.observed = make(map[string]map[ObserverID]func(MapEvent))
	d.updates = make(map[ObserverID]func(Update, any))
}

// integrate merges entries into the replica state. Caller holds mu.
func (d *Doc) integrate(entries []Entry, origin any, local bool) (map[string]*MapEvent, []Entry) {
	events := make(map[string]*MapEvent)
	applied := make([]Entry, 0, len(entries))

	for _, e := range entries {
		if e.Clock > d.clock {
			d.clock = e.Clock
		}
		m, ok := d.entries[e.Map]
		if !ok {
			m = make(map[string]Entry)
			d.entries[e.Map] = m
		}
		cur, had := m[e.Key]
		if had && !e.newer(cur) {
			continue
		}
		m[e.Key] = e
		applied = append(applied, e)

		visibleBefore := had && !cur.Deleted
		if !visibleBefore && e.Deleted {
			continue
		}

		change := KeyChange{OldValue: cur.Value, NewValue: e.Value}
		switch {
		case !visibleBefore:
			change.Action = ActionAdd
			change.OldValue = ""
		case e.Deleted:
			change.Action = ActionDelete
			change.NewValue = ""
		default:
			change.Action = ActionUpdate
		}

		ev, ok := events[e.Map]
		if !ok {
			ev = &MapEvent{Map: e.Map, Keys: make(map[string]KeyChange), Origin: origin, Local: local}
			events[e.Map] = ev
		}
		if prev, seen := ev.Keys[e.Key]; seen {
			change.OldValue = prev.OldValue
			if prev.Action == ActionAdd && change.Action != ActionDelete {
				change.Action = ActionAdd
			}
		}
		ev.Keys[e.Key] = change
	}
	return events, applied
}

// dispatch delivers events to map observers, then the update to update
// handlers. Caller holds dispatchMu but not mu.
func (d *Doc) dispatch(events map[string]*MapEvent, u Update, origin any) {
	names := make([]string, 0, len(events))
	for name := range events {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, id := range d.observerIDs(name) {
			fn := d.observer(name, id)
			if fn == nil {
				continue
			}
			fn(*events[name])
		}
	}

	if u.IsEmpty() {
		return
	}
	for _, id := range d.updateIDs() {
		d.mu.RLock()
		fn := d.updates[id]
		d.mu.RUnlock()
		if fn != nil {
			fn(u, origin)
		}
	}
}

func (d *Doc) observerIDs(name string) []ObserverID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]ObserverID, 0, len(d.observed[name]))
	for id := range d.observed[name] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Doc) observer(name string, id ObserverID) func(MapEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.observed[name][id]
}

func (d *Doc) updateIDs() []ObserverID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]ObserverID, 0, len(d.updates))
	for id := range d.updates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type entryKey struct{ m, k string }

type pendingWrite struct {
	value   string
	deleted bool
}

// Txn records the writes of one transaction.
type Txn struct {
	writes map[entryKey]pendingWrite
	order  []entryKey
}

// Set records a write of value under key in the named map.
func (tx *Txn) Set(mapName, key, value string) {
	tx.put(entryKey{mapName, key}, pendingWrite{value: value})
}

// Delete records the removal of key from the named map.
func (tx *Txn) Delete(mapName, key string) {
	tx.put(entryKey{mapName, key}, pendingWrite{deleted: true})
}

func (tx *Txn) put(k entryKey, w pendingWrite) {
	if _, ok := tx.writes[k]; !ok {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = w
}
