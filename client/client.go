// Package client is a Go replica of nschat documents. It connects to a
// docserver over WebSocket with gobwas/ws (the library the server uses),
// keeps a local document model per joined document and exchanges CRDT and
// presence updates with the server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/neurosift/nschat/internal/awareness"
	"github.com/neurosift/nschat/internal/logging"
	"github.com/neurosift/nschat/internal/protocol"
)

// DefaultRenewInterval is how often a replica renews its presence. It stays
// well below awareness.DefaultTimeout so peers never expire a live client.
const DefaultRenewInterval = awareness.DefaultTimeout / 2

var (
	ErrClosed    = errors.New("client: connection closed")
	ErrNotJoined = errors.New("client: document not joined")
)

// ServerError is an error reply from the server.
type ServerError struct {
	Code    string
	Message string
	DocID   string
}

func (e *ServerError) Error() string {
	if e.DocID != "" {
		return fmt.Sprintf("client: server error %s on %s: %s", e.Code, e.DocID, e.Message)
	}
	return fmt.Sprintf("client: server error %s: %s", e.Code, e.Message)
}

// Options configures Dial.
type Options struct {
	RenewInterval time.Duration
	// OnError receives server errors that are not the answer to a join.
	OnError func(*ServerError)
	// OnRateLimited receives the server's retry-after hint.
	OnRateLimited func(time.Duration)
}

// joinResult is handed from the read loop to a waiting JoinDoc.
type joinResult struct {
	replica *Replica
	err     error
}

// Client is one WebSocket connection to a docserver. Any number of
// documents can be joined over it.
type Client struct {
	conn   net.Conn
	rw     io.ReadWriter
	opts   Options
	log    zerolog.Logger
	ready  chan struct{}
	done   chan struct{}
	closed sync.Once

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	replicas  map[string]*Replica
	joining   map[string]chan joinResult
	users     map[string]*awareness.User
	readErr   error
}

// Dial connects to url (ws://host/ws) and waits for the server to create
// the session.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = DefaultRenewInterval
	}

	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	// Frames sent right after the handshake may already sit in br.
	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}

	c := &Client{
		conn:     conn,
		rw:       rw,
		opts:     opts,
		log:      logging.Component("client"),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		replicas: make(map[string]*Replica),
		joining:  make(map[string]chan joinResult),
		users:    make(map[string]*awareness.User),
	}
	go c.readLoop()

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		_ = c.Close()
		return nil, c.err()
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

// SessionID returns the id assigned by the server.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// JoinDoc opens docID and returns a replica synchronized with the server.
// user, when set, is announced as this client's presence.
func (c *Client) JoinDoc(ctx context.Context, docID string, user *awareness.User) (*Replica, error) {
	ch := make(chan joinResult, 1)
	c.mu.Lock()
	if r, ok := c.replicas[docID]; ok {
		c.mu.Unlock()
		return r, nil
	}
	if _, ok := c.joining[docID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: join of %s already in progress", docID)
	}
	c.joining[docID] = ch
	c.users[docID] = user
	c.mu.Unlock()

	if err := c.send(protocol.TypeJoinDoc, protocol.JoinDocMsg{DocID: docID, User: user}); err != nil {
		c.abandonJoin(docID)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		res.replica.start()
		return res.replica, nil
	case <-c.done:
		c.abandonJoin(docID)
		return nil, c.err()
	case <-ctx.Done():
		c.abandonJoin(docID)
		return nil, ctx.Err()
	}
}

// Replica returns the joined replica of docID, or nil.
func (c *Client) Replica(docID string) *Replica {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replicas[docID]
}

// Ping sends a keepalive.
func (c *Client) Ping() error {
	return c.send(protocol.TypePing, nil)
}

// Close disposes every replica and closes the connection. It is safe to
// call multiple times.
func (c *Client) Close() error {
	var err error
	c.closed.Do(func() {
		c.mu.Lock()
		replicas := make([]*Replica, 0, len(c.replicas))
		for _, r := range c.replicas {
			replicas = append(replicas, r)
		}
		c.replicas = make(map[string]*Replica)
		c.mu.Unlock()

		for _, r := range replicas {
			r.dispose()
		}
		err = c.conn.Close()
	})
	return err
}

func (c *Client) abandonJoin(docID string) {
	c.mu.Lock()
	delete(c.joining, docID)
	delete(c.users, docID)
	c.mu.Unlock()
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

func (c *Client) send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("client: write %s: %w", msgType, err)
	}
	return nil
}

// readLoop reads server frames until the connection closes. Frames are
// handled in arrival order, so a replica never misses an update sent after
// its snapshot.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			c.failJoins()
			return
		}
		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("ignoring unparseable frame")
			continue
		}
		c.handle(msgType, msg)
	}
}

func (c *Client) handle(msgType string, msg interface{}) {
	switch m := msg.(type) {
	case protocol.SessionCreatedMsg:
		c.mu.Lock()
		first := c.sessionID == ""
		c.sessionID = m.SessionID
		c.mu.Unlock()
		if first {
			close(c.ready)
		}
	case protocol.DocJoinedMsg:
		c.joined(m)
	case protocol.DocUpdateMsg:
		if r := c.Replica(m.DocID); r != nil {
			r.applyUpdate(m.Update)
		}
	case protocol.AwarenessMsg:
		if r := c.Replica(m.DocID); r != nil {
			r.applyAwareness(m.Update)
		}
	case protocol.StateChangedMsg:
		if r := c.Replica(m.DocID); r != nil {
			r.applyState(m)
		}
	case protocol.DocSavedMsg:
		if r := c.Replica(m.DocID); r != nil {
			r.saved(time.UnixMilli(m.SavedAt))
		}
	case protocol.RateLimitedMsg:
		if c.opts.OnRateLimited != nil {
			c.opts.OnRateLimited(time.Duration(m.RetryAfter) * time.Second)
		}
	case protocol.ErrorMsg:
		c.serverError(&ServerError{Code: m.Code, Message: m.Message, DocID: m.DocID})
	default:
		c.log.Trace().Str("type", msgType).Msg("unhandled frame")
	}
}

func (c *Client) joined(m protocol.DocJoinedMsg) {
	c.mu.Lock()
	ch, waiting := c.joining[m.DocID]
	user := c.users[m.DocID]
	delete(c.joining, m.DocID)
	delete(c.users, m.DocID)
	c.mu.Unlock()
	if !waiting {
		return
	}

	r, err := newReplica(c, m, user)
	if err == nil {
		c.mu.Lock()
		c.replicas[m.DocID] = r
		c.mu.Unlock()
	}
	ch <- joinResult{replica: r, err: err}
}

// serverError resolves a pending join on the same document or reports the
// error through Options.OnError.
func (c *Client) serverError(e *ServerError) {
	c.mu.Lock()
	ch, waiting := c.joining[e.DocID]
	if waiting {
		delete(c.joining, e.DocID)
		delete(c.users, e.DocID)
	}
	c.mu.Unlock()
	if waiting {
		ch <- joinResult{err: e}
		return
	}
	if c.opts.OnError != nil {
		c.opts.OnError(e)
		return
	}
	c.log.Warn().Str("code", e.Code).Str(logging.FieldDocID, e.DocID).Msg(e.Message)
}

func (c *Client) failJoins() {
	c.mu.Lock()
	joining := c.joining
	c.joining = make(map[string]chan joinResult)
	c.mu.Unlock()
	for _, ch := range joining {
		ch <- joinResult{err: ErrClosed}
	}
}

func (c *Client) forget(docID string, r *Replica) {
	c.mu.Lock()
	if c.replicas[docID] == r {
		delete(c.replicas, docID)
	}
	c.mu.Unlock()
}
