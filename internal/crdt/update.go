package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Entry is the replicated state of one key in one map. The entry with the
// greater (Clock, Client) pair wins, so replicas that have seen the same set
// of entries hold the same values regardless of delivery order.
type Entry struct {
	Map     string `json:"map"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Clock   uint64 `json:"clock"`
	Client  uint64 `json:"client"`
}

// newer reports whether e supersedes o.
func (e Entry) newer(o Entry) bool {
	if e.Clock != o.Clock {
		return e.Clock > o.Clock
	}
	return e.Client > o.Client
}

// Update is one replicated mutation: the entries written by a single
// transaction, or a full snapshot used for initial sync.
type Update struct {
	Client  uint64  `json:"client"`
	Entries []Entry `json:"entries"`
}

// IsEmpty reports whether the update carries no entries.
func (u Update) IsEmpty() bool {
	return len(u.Entries) == 0
}

// MaxClock returns the highest clock carried by the update.
func (u Update) MaxClock() uint64 {
	var max uint64
	for _, e := range u.Entries {
		if e.Clock > max {
			max = e.Clock
		}
	}
	return max
}

// EncodeUpdate serializes an update for the wire.
func EncodeUpdate(u Update) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate parses an update produced by EncodeUpdate.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("crdt: decode update: %w", err)
	}
	for i, e := range u.Entries {
		if e.Map == "" {
			return Update{}, fmt.Errorf("crdt: decode update: entry %d has no map", i)
		}
	}
	return u, nil
}

// MergeUpdates folds several updates into one that carries, per key, only
// the winning entry.
func MergeUpdates(updates ...Update) Update {
	type mk struct{ m, k string }
	best := make(map[mk]Entry)
	var client uint64
	for _, u := range updates {
		if client == 0 {
			client = u.Client
		}
		for _, e := range u.Entries {
			id := mk{e.Map, e.Key}
			if cur, ok := best[id]; !ok || e.newer(cur) {
				best[id] = e
			}
		}
	}

	out := Update{Client: client, Entries: make([]Entry, 0, len(best))}
	for _, e := range best {
		out.Entries = append(out.Entries, e)
	}
	sortEntries(out.Entries)
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Map != entries[j].Map {
			return entries[i].Map < entries[j].Map
		}
		return entries[i].Key < entries[j].Key
	})
}
