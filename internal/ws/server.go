// Package ws handles WebSocket connection management: upgrading HTTP
// connections, tracking live connections and their Redis sessions, reading
// frames through epoll and dispatching them to message handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neurosift/nschat/internal/logging"
	"github.com/neurosift/nschat/internal/metrics"
	"github.com/neurosift/nschat/internal/protocol"
	"github.com/neurosift/nschat/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameSize   int64         // frames above this size close the connection
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   4 << 20,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// SessionStore keeps per-connection session records.
type SessionStore interface {
	Create(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}

// ConnectLimiter throttles new connections per client address.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server is the WebSocket server built on gobwas/ws and epoll. Upgraded
// connections are registered with the poller and ready connections are
// read by a bounded worker pool.
type Server struct {
	config       ServerConfig
	poller       *poller
	conns        *ConnectionManager
	sessionStore SessionStore
	limiter      ConnectLimiter
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(connID string)
	httpServer   *http.Server
	log          zerolog.Logger
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. sessionStore may be nil. onMessage is called
// from a worker goroutine for every complete text frame.
func NewServer(config ServerConfig, sessionStore SessionStore, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		log:          logging.Component("ws"),
		done:         make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection was
// registered and greeted.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout or close). It runs before the session is
// deleted.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetConnectLimiter enables per-address connection throttling.
func (s *Server) SetConnectLimiter(l ConnectLimiter) {
	s.limiter = l
}

// Handler returns the HTTP routes: the upgrade endpoint, health and
// metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.poller, err = newPoller()
	if err != nil {
		return err
	}
	s.startedAt = time.Now()
	s.httpServer = &http.Server{Handler: s.Handler()}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades the request, registers the connection with the
// manager and the poller, creates its session and greets it.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.limiter != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ok, _ := s.limiter.Allow(r.Context(), host, ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.New().String(), conn)
	s.conns.Add(c)
	if err := s.poller.add(c); err != nil {
		s.log.Error().Err(err).Str(logging.FieldConnID, c.ID).Msg("poller add failed")
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Create(ctx, c.ID); err != nil {
			s.log.Warn().Err(err).Str(logging.FieldConnID, c.ID).Msg("creating session failed")
		}
		cancel()
	}

	greeting, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: c.ID})
	if err == nil {
		err = s.SendMessage(c.ID, greeting)
	}
	if err != nil {
		s.log.Warn().Err(err).Str(logging.FieldConnID, c.ID).Msg("sending session_created failed")
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}
	s.log.Info().Str(logging.FieldConnID, c.ID).Str("remote", c.RemoteAddr).Int("total", s.conns.Count()).Msg("new connection")
}

// handleHealth reports liveness, the connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every ready connection to a worker, bounded by the
// worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Msg("poller wait failed")
			continue
		}

		for _, c := range ready {
			c := c
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// consumed without blocking on a data frame that may never arrive.
func (s *Server) handleConn(c *Connection) {
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)
	defer s.poller.resume(c)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// Nothing to read after a stale wakeup; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		s.log.Warn().Str(logging.FieldConnID, c.ID).Int64("length", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes a connection. Concurrent calls
// for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			s.log.Warn().Err(err).Str(logging.FieldConnID, c.ID).Msg("deleting session failed")
		}
		cancel()
	}

	s.log.Info().Str(logging.FieldConnID, c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendMessage writes a text frame to the connection identified by connID.
// It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and the event loop, and closes every
// connection, running the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server")
	s.closeOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("ws: http shutdown: %w", shutdownErr)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	if s.poller != nil {
		_ = s.poller.close()
	}

	s.log.Info().Msg("server stopped")
	return err
}
