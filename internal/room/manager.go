package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/neurosift/nschat/internal/awareness"
	"github.com/neurosift/nschat/internal/logging"
	"github.com/neurosift/nschat/internal/metrics"
	"github.com/neurosift/nschat/internal/protocol"
	"github.com/neurosift/nschat/internal/store"
)

// ManagerConfig holds the collaborators and timings of a Manager.
type ManagerConfig struct {
	ServerName       string
	Store            DocumentStore
	Sender           Sender
	Replicator       Replicator // optional
	AutosaveInterval time.Duration
	AwarenessTimeout time.Duration
}

// Manager owns the open rooms of this server instance.
type Manager struct {
	cfg ManagerConfig
	log zerolog.Logger

	// mu guards the maps only; loads, saves and fan-out run without it.
	mu      sync.Mutex
	rooms   map[string]*Room
	opening map[string]chan struct{}
	closing map[string]chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager. Zero timings fall back to 30 seconds.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.AutosaveInterval <= 0 {
		cfg.AutosaveInterval = 30 * time.Second
	}
	if cfg.AwarenessTimeout <= 0 {
		cfg.AwarenessTimeout = awareness.DefaultTimeout
	}
	return &Manager{
		cfg:     cfg,
		log:     logging.Component("room-manager"),
		rooms:   make(map[string]*Room),
		opening: make(map[string]chan struct{}),
		closing: make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
}

// Join adds connID to the room of docID, opening the room when needed.
// Joins of a document that is being opened or closed wait for that to
// finish; other documents are not held up.
func (m *Manager) Join(ctx context.Context, docID, connID string, user *awareness.User) (*Room, protocol.DocJoinedMsg, error) {
	if docID == "" {
		return nil, protocol.DocJoinedMsg{}, fmt.Errorf("room: empty document id")
	}

	m.mu.Lock()
	for {
		if r, ok := m.rooms[docID]; ok {
			clientID, err := r.admit(connID, user)
			m.mu.Unlock()
			if err != nil {
				return nil, protocol.DocJoinedMsg{}, err
			}
			return r, r.joined(connID, clientID), nil
		}
		ch, busy := m.opening[docID]
		if !busy {
			ch, busy = m.closing[docID]
		}
		if !busy {
			break
		}
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, protocol.DocJoinedMsg{}, ctx.Err()
		}
		m.mu.Lock()
	}
	done := make(chan struct{})
	m.opening[docID] = done
	m.mu.Unlock()

	r, err := m.open(ctx, docID)

	m.mu.Lock()
	delete(m.opening, docID)
	close(done)
	if err != nil {
		m.mu.Unlock()
		return nil, protocol.DocJoinedMsg{}, err
	}
	select {
	case <-m.done:
		m.mu.Unlock()
		r.close()
		return nil, protocol.DocJoinedMsg{}, ErrClosed
	default:
	}
	m.rooms[docID] = r
	metrics.OpenDocuments.Inc()
	clientID, err := r.admit(connID, user)
	m.mu.Unlock()
	if err != nil {
		return nil, protocol.DocJoinedMsg{}, err
	}
	return r, r.joined(connID, clientID), nil
}

// open loads docID and builds its room. The caller installs it.
func (m *Manager) open(ctx context.Context, docID string) (*Room, error) {
	content, err := m.cfg.Store.Load(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		content = ""
	} else if err != nil {
		return nil, fmt.Errorf("room: open %s: %w", docID, err)
	}

	r := newRoom(docID, m.cfg.ServerName, m.cfg.Sender, m.cfg.Store, m.cfg.Replicator)
	if err := r.load(content); err != nil {
		r.close()
		return nil, err
	}
	m.log.Info().Str(logging.FieldDocID, docID).Bool("stored", content != "").Msg("document opened")
	return r, nil
}

// Room returns the open room of docID, or nil.
func (m *Manager) Room(docID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[docID]
}

// Rooms returns the open rooms sorted by document id.
func (m *Manager) Rooms() []*Room {
	m.mu.Lock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Leave removes connID from the room of docID. The room is closed once it
// is empty.
func (m *Manager) Leave(ctx context.Context, docID, connID string) error {
	m.mu.Lock()
	r, ok := m.rooms[docID]
	if !ok {
		m.mu.Unlock()
		return ErrNotMember
	}
	member, left, ok := r.remove(connID)
	if !ok {
		m.mu.Unlock()
		return ErrNotMember
	}
	var done chan struct{}
	if left == 0 {
		delete(m.rooms, docID)
		done = make(chan struct{})
		m.closing[docID] = done
	}
	m.mu.Unlock()

	r.announceLeave(member, left)
	if done == nil {
		return nil
	}

	err := m.closeRoom(ctx, r)

	m.mu.Lock()
	delete(m.closing, docID)
	m.mu.Unlock()
	close(done)
	return err
}

// LeaveAll removes connID from every room it joined, for example when the
// connection drops.
func (m *Manager) LeaveAll(ctx context.Context, connID string) {
	for _, r := range m.Rooms() {
		if _, err := r.member(connID); err != nil {
			continue
		}
		if err := m.Leave(ctx, r.id, connID); err != nil && !errors.Is(err, ErrNotMember) {
			m.log.Warn().Err(err).Str(logging.FieldDocID, r.id).Str(logging.FieldConnID, connID).Msg("leave on disconnect failed")
		}
	}
}

// closeRoom saves a dirty room and releases it.
func (m *Manager) closeRoom(ctx context.Context, r *Room) error {
	var err error
	if r.Dirty() {
		err = r.Save(ctx)
		if err != nil {
			m.log.Error().Err(err).Str(logging.FieldDocID, r.id).Msg("final save failed")
		}
	}
	r.close()
	metrics.OpenDocuments.Dec()
	m.log.Info().Str(logging.FieldDocID, r.id).Msg("document closed")
	return err
}

// Start runs the autosave and presence expiry loop until Shutdown.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop()
	}()
	m.log.Info().
		Dur("autosave", m.cfg.AutosaveInterval).
		Dur("awareness_timeout", m.cfg.AwarenessTimeout).
		Msg("room manager started")
}

func (m *Manager) loop() {
	autosave := time.NewTicker(m.cfg.AutosaveInterval)
	defer autosave.Stop()
	expire := time.NewTicker(m.cfg.AwarenessTimeout / 2)
	defer expire.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-autosave.C:
			m.SaveDirty(context.Background())
		case now := <-expire.C:
			m.ExpirePresence(now)
		}
	}
}

// SaveDirty saves every room with unsaved changes and returns how many
// were saved.
func (m *Manager) SaveDirty(ctx context.Context) int {
	saved := 0
	for _, r := range m.Rooms() {
		if !r.Dirty() {
			continue
		}
		saveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := r.Save(saveCtx)
		cancel()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				m.log.Error().Err(err).Str(logging.FieldDocID, r.id).Msg("autosave failed")
			}
			continue
		}
		saved++
	}
	if saved > 0 {
		m.log.Debug().Int("documents", saved).Msg("autosave complete")
	}
	return saved
}

// ExpirePresence drops stale presence in every room.
func (m *Manager) ExpirePresence(now time.Time) {
	for _, r := range m.Rooms() {
		r.ExpirePresence(now, m.cfg.AwarenessTimeout)
	}
}

// Shutdown stops the background loop, saves dirty documents and closes
// every room.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()

	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for id, r := range m.rooms {
		rooms = append(rooms, r)
		delete(m.rooms, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		if err := m.closeRoom(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	m.log.Info().Int("documents", len(rooms)).Msg("room manager stopped")
	return errors.Join(errs...)
}
