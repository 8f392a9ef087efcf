package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neurosift/nschat/internal/chat"
	"github.com/neurosift/nschat/internal/crdt"
	"github.com/neurosift/nschat/internal/protocol"
	"github.com/neurosift/nschat/internal/store"
)

// recordingSender keeps every frame sent per connection.
type recordingSender struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string][][]byte)}
}

func (s *recordingSender) SendMessage(connID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[connID] = append(s.sent[connID], append([]byte(nil), data...))
	return nil
}

// received decodes the frames sent to connID with the given type.
func (s *recordingSender) received(t *testing.T, connID, msgType string) []interface{} {
	t.Helper()
	s.mu.Lock()
	frames := append([][]byte(nil), s.sent[connID]...)
	s.mu.Unlock()

	var out []interface{}
	for _, f := range frames {
		typ, msg, err := protocol.ParseServerMessage(f)
		require.NoError(t, err)
		if typ == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	s.sent = make(map[string][][]byte)
	s.mu.Unlock()
}

// memoryStore is an in-memory DocumentStore.
type memoryStore struct {
	mu    sync.Mutex
	docs  map[string]string
	saves int
	err   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{docs: make(map[string]string)}
}

func (s *memoryStore) Load(_ context.Context, docID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.docs[docID]
	if !ok {
		return "", store.ErrNotFound
	}
	return content, nil
}

func (s *memoryStore) Save(_ context.Context, docID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.docs[docID] = content
	s.saves++
	return nil
}

func (s *memoryStore) get(docID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.docs[docID]
	return c, ok
}

func (s *memoryStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// bus delivers replica events synchronously between server instances.
type bus struct {
	mu   sync.Mutex
	subs map[string]map[*busClient]func([]byte)
}

func newBus() *bus {
	return &bus{subs: make(map[string]map[*busClient]func([]byte))}
}

type busClient struct {
	bus *bus
}

func (b *bus) client() *busClient {
	return &busClient{bus: b}
}

func (c *busClient) PublishDoc(docID string, data []byte) error {
	c.bus.mu.Lock()
	handlers := make([]func([]byte), 0, len(c.bus.subs[docID]))
	for _, h := range c.bus.subs[docID] {
		handlers = append(handlers, h)
	}
	c.bus.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (c *busClient) SubscribeDoc(docID string, handler func([]byte)) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if c.bus.subs[docID] == nil {
		c.bus.subs[docID] = make(map[*busClient]func([]byte))
	}
	c.bus.subs[docID][c] = handler
	return nil
}

func (c *busClient) UnsubscribeDoc(docID string) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if _, ok := c.bus.subs[docID][c]; !ok {
		return errors.New("not subscribed")
	}
	delete(c.bus.subs[docID], c)
	return nil
}

func (c *busClient) subscribed(docID string) bool {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	_, ok := c.bus.subs[docID][c]
	return ok
}

// clientReplica is a member's replica built from a doc_joined answer. Its
// local updates are collected for shipping to the room.
type clientReplica struct {
	doc     *chat.Document
	mu      sync.Mutex
	pending []crdt.Update
}

func newClientReplica(t *testing.T, joined protocol.DocJoinedMsg) *clientReplica {
	t.Helper()
	c := &clientReplica{doc: chat.NewDocument(joined.ClientID)}
	require.NoError(t, c.doc.Replica().ApplyUpdate(joined.Snapshot, "server"))
	c.doc.Replica().OnUpdate(func(u crdt.Update, origin any) {
		if origin == c.doc {
			c.mu.Lock()
			c.pending = append(c.pending, u)
			c.mu.Unlock()
		}
	})
	t.Cleanup(c.doc.Dispose)
	return c
}

// take returns and clears the collected local updates.
func (c *clientReplica) take() []crdt.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

func transcriptOf(t *testing.T, msgs ...string) chat.Transcript {
	t.Helper()
	tr := chat.EmptyTranscript()
	for _, m := range msgs {
		require.True(t, json.Valid([]byte(m)), m)
		tr.Messages = append(tr.Messages, json.RawMessage(m))
	}
	return tr
}

func userMsg(text string) string {
	return fmt.Sprintf(`{"role":"user","content":%q}`, text)
}

// gatedStore holds Load of the gated documents until the gate is closed.
type gatedStore struct {
	*memoryStore
	gates   map[string]chan struct{}
	started chan string

	loadMu sync.Mutex
	loads  map[string]int
}

func newGatedStore(gated ...string) *gatedStore {
	s := &gatedStore{
		memoryStore: newMemoryStore(),
		gates:       make(map[string]chan struct{}),
		started:     make(chan string, 8),
		loads:       make(map[string]int),
	}
	for _, id := range gated {
		s.gates[id] = make(chan struct{})
	}
	return s
}

func (s *gatedStore) Load(ctx context.Context, docID string) (string, error) {
	s.loadMu.Lock()
	s.loads[docID]++
	s.loadMu.Unlock()
	if gate, ok := s.gates[docID]; ok {
		s.started <- docID
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.memoryStore.Load(ctx, docID)
}

func (s *gatedStore) loadCount(docID string) int {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.loads[docID]
}

// gatedSender blocks frames to one connection until the gate is closed.
type gatedSender struct {
	*recordingSender
	connID  string
	gate    chan struct{}
	entered chan struct{}
}

func (s *gatedSender) SendMessage(connID string, data []byte) error {
	if s.gate != nil && connID == s.connID {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.gate
	}
	return s.recordingSender.SendMessage(connID, data)
}
