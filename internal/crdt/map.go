package crdt

import "sort"

// Action describes how a key changed.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// KeyChange is the visible change of one key.
type KeyChange struct {
	Action   Action
	OldValue string
	NewValue string
}

// MapEvent reports the keys of one map changed by one update.
type MapEvent struct {
	Map    string
	Keys   map[string]KeyChange
	Origin any
	Local  bool
}

// Changed reports whether key is among the changed keys.
func (e MapEvent) Changed(key string) bool {
	_, ok := e.Keys[key]
	return ok
}

// Map is a view on one named map of a Doc.
type Map struct {
	doc  *Doc
	name string
}

// Name returns the map name.
func (m *Map) Name() string {
	return m.name
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (string, bool) {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	e, ok := m.doc.entries[m.name][key]
	if !ok || e.Deleted {
		return "", false
	}
	return e.Value, true
}

// Has reports whether key holds a value.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	keys := make([]string, 0, len(m.doc.entries[m.name]))
	for k, e := range m.doc.entries[m.name] {
		if !e.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	return len(m.Keys())
}

// ToJSON returns a plain snapshot of the live keys.
func (m *Map) ToJSON() map[string]string {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	out := make(map[string]string, len(m.doc.entries[m.name]))
	for k, e := range m.doc.entries[m.name] {
		if !e.Deleted {
			out[k] = e.Value
		}
	}
	return out
}

// Set writes value under key as a single-write transaction.
func (m *Map) Set(key, value string) error {
	return m.doc.Transact(nil, func(tx *Txn) {
		tx.Set(m.name, key, value)
	})
}

// Delete removes key as a single-write transaction.
func (m *Map) Delete(key string) error {
	return m.doc.Transact(nil, func(tx *Txn) {
		tx.Delete(m.name, key)
	})
}

// Observe registers fn for every update that changes this map.
func (m *Map) Observe(fn func(MapEvent)) ObserverID {
	d := m.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	obs, ok := d.observed[m.name]
	if !ok {
		obs = make(map[ObserverID]func(MapEvent))
		d.observed[m.name] = obs
	}
	obs[d.nextID] = fn
	return d.nextID
}

// Unobserve removes an observer. An observer removed while an event is being
// dispatched is not called for the rest of that dispatch.
func (m *Map) Unobserve(id ObserverID) bool {
	d := m.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.observed[m.name][id]
	delete(d.observed[m.name], id)
	return ok
}
