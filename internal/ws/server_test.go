package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/neurosift/nschat/internal/protocol"
	"github.com/neurosift/nschat/internal/ratelimit"
)

type countingSessions struct {
	created chan string
	deleted chan string
}

func (s *countingSessions) Create(_ context.Context, id string) error {
	s.created <- id
	return nil
}

func (s *countingSessions) Delete(_ context.Context, id string) error {
	s.deleted <- id
	return nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

func TestServerEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	sessions := &countingSessions{created: make(chan string, 1), deleted: make(chan string, 1)}
	d := NewMessageDispatcher()
	s := NewServer(DefaultServerConfig(), sessions, d.Dispatch)
	connected := make(chan string, 1)
	s.SetOnConnect(func(c *Connection) { connected <- c.ID })
	disconnected := make(chan string, 1)
	s.SetOnDisconnect(func(id string) { disconnected <- id })

	go s.Serve(ln)
	defer s.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws://"+ln.Addr().String()+"/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// Frames that arrived with the handshake response sit in br.
	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}

	data, err := wsutil.ReadServerText(rw)
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	typ, msg, err := protocol.ParseServerMessage(data)
	if err != nil || typ != protocol.TypeSessionCreated {
		t.Fatalf("expected session_created, got %s (%v)", data, err)
	}
	sid := msg.(protocol.SessionCreatedMsg).SessionID

	select {
	case id := <-sessions.created:
		if id != sid {
			t.Errorf("session created for %q, greeted %q", id, sid)
		}
	case <-ctx.Done():
		t.Fatal("session was not created")
	}
	if id := <-connected; id != sid {
		t.Errorf("onConnect got %q", id)
	}

	if err := wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	data, err = wsutil.ReadServerText(rw)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("expected pong, got %s", data)
	}

	conn.Close()
	select {
	case id := <-disconnected:
		if id != sid {
			t.Errorf("disconnect for %q", id)
		}
	case <-ctx.Done():
		t.Fatal("disconnect not observed")
	}
	select {
	case <-sessions.deleted:
	case <-ctx.Done():
		t.Fatal("session not deleted")
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status %d", resp.StatusCode)
	}
}

func TestUpgradeRejectedByLimiter(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	s.SetConnectLimiter(denyAll{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	_, _, _, err := ws.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("expected a 429 handshake failure, got %v", err)
	}
}

func TestUpgradeRejectedAtCapacity(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxConnections = 0
	s := NewServer(cfg, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}
