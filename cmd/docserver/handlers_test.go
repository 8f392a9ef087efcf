package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurosift/nschat/internal/awareness"
	"github.com/neurosift/nschat/internal/chat"
	"github.com/neurosift/nschat/internal/protocol"
	"github.com/neurosift/nschat/internal/ratelimit"
	"github.com/neurosift/nschat/internal/room"
	"github.com/neurosift/nschat/internal/session"
	"github.com/neurosift/nschat/internal/store"
	"github.com/neurosift/nschat/internal/ws"
)

type outbox struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func (o *outbox) SendMessage(connID string, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames[connID] = append(o.frames[connID], data)
	return nil
}

// last returns the most recent frame of msgType sent to connID.
func (o *outbox) last(t *testing.T, connID, msgType string) interface{} {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.frames[connID]) - 1; i >= 0; i-- {
		typ, msg, err := protocol.ParseServerMessage(o.frames[connID][i])
		require.NoError(t, err)
		if typ == msgType {
			return msg
		}
	}
	return nil
}

type docs struct {
	mu   sync.Mutex
	data map[string]string
}

func (d *docs) Load(_ context.Context, id string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.data[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return c, nil
}

func (d *docs) Save(_ context.Context, id, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[id] = content
	return nil
}

type fixture struct {
	h        *handlers
	d        *ws.MessageDispatcher
	out      *outbox
	docs     *docs
	sessions *session.Store
	rooms    *room.Manager
}

func newFixture(t *testing.T, lim limiter) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := session.NewStoreWithClient(client, "test")
	t.Cleanup(func() { sessions.Close() })
	if lim == nil {
		lim = ratelimit.NewLimiter(client)
	}

	f := &fixture{
		out:      &outbox{frames: make(map[string][][]byte)},
		docs:     &docs{data: make(map[string]string)},
		sessions: sessions,
		d:        ws.NewMessageDispatcher(),
	}
	f.rooms = room.NewManager(room.ManagerConfig{ServerName: "test", Store: f.docs, Sender: f.out})
	t.Cleanup(func() { _ = f.rooms.Shutdown(context.Background()) })

	f.h = newHandlers(f.rooms, f.out, sessions, lim)
	f.h.register(f.d)
	return f
}

func (f *fixture) dispatch(t *testing.T, connID string, msgType string, payload interface{}) {
	t.Helper()
	data, err := protocol.NewClientMessage(msgType, payload)
	require.NoError(t, err)
	f.d.Dispatch(&ws.Connection{ID: connID}, data)
}

func (f *fixture) join(t *testing.T, connID, docID string) protocol.DocJoinedMsg {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.sessions.Create(ctx, connID))
	f.dispatch(t, connID, protocol.TypeJoinDoc, protocol.JoinDocMsg{DocID: docID, User: &awareness.User{Name: "ada"}})
	msg := f.out.last(t, connID, protocol.TypeDocJoined)
	require.NotNil(t, msg)
	return msg.(protocol.DocJoinedMsg)
}

func hello() chat.Transcript {
	return chat.Decode(`{"messages":[{"role":"user","content":"hello"}]}`)
}

func TestJoinRecordsSession(t *testing.T) {
	f := newFixture(t, nil)
	joined := f.join(t, "c1", "doc")
	assert.Equal(t, "doc", joined.DocID)
	assert.NotZero(t, joined.ClientID)

	sess, err := f.sessions.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "doc", sess.DocID)
	assert.Equal(t, joined.ClientID, sess.ClientID)
	assert.Equal(t, "ada", sess.UserName)
	assert.Equal(t, session.StatusEditing, sess.Status)

	ids, err := f.sessions.DocSessions(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)
}

func TestSetChatAndSave(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, "c1", "doc")
	f.join(t, "c2", "doc")

	f.dispatch(t, "c1", protocol.TypeSetChat, protocol.SetChatMsg{DocID: "doc", Chat: hello()})
	changed := f.out.last(t, "c2", protocol.TypeContentChanged)
	require.NotNil(t, changed)
	assert.True(t, hello().Equal(changed.(protocol.ContentChangedMsg).Chat))

	f.dispatch(t, "c2", protocol.TypeSaveDoc, protocol.SaveDocMsg{DocID: "doc"})
	require.NotNil(t, f.out.last(t, "c1", protocol.TypeDocSaved))
	assert.Contains(t, f.docs.data["doc"], `"content": "hello"`)
	assert.False(t, f.rooms.Room("doc").Dirty())
}

func TestEditsRequireJoin(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatch(t, "c1", protocol.TypeSetChat, protocol.SetChatMsg{DocID: "doc", Chat: hello()})

	msg := f.out.last(t, "c1", protocol.TypeError)
	require.NotNil(t, msg)
	em := msg.(protocol.ErrorMsg)
	assert.Equal(t, protocol.CodeNotJoined, em.Code)
	assert.Equal(t, "doc", em.DocID)

	// A room opened by someone else still rejects strangers.
	f.join(t, "c2", "doc")
	f.dispatch(t, "c1", protocol.TypeSaveDoc, protocol.SaveDocMsg{DocID: "doc"})
	assert.Equal(t, protocol.CodeNotJoined, f.out.last(t, "c1", protocol.TypeError).(protocol.ErrorMsg).Code)

	f.dispatch(t, "c1", protocol.TypeLeaveDoc, protocol.LeaveDocMsg{DocID: "doc"})
	assert.Equal(t, protocol.CodeNotJoined, f.out.last(t, "c1", protocol.TypeError).(protocol.ErrorMsg).Code)
}

func TestReadOnlyAndInvalidChat(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, "c1", "doc")

	f.dispatch(t, "c1", protocol.TypeSetChat, protocol.SetChatMsg{
		DocID: "doc",
		Chat:  chat.Transcript{Messages: []json.RawMessage{json.RawMessage(`"not an object"`)}},
	})
	assert.Equal(t, protocol.CodeInvalidChat, f.out.last(t, "c1", protocol.TypeError).(protocol.ErrorMsg).Code)

	f.dispatch(t, "c1", protocol.TypeSetReadOnly, protocol.SetReadOnlyMsg{DocID: "doc", ReadOnly: true})
	f.dispatch(t, "c1", protocol.TypeSetChat, protocol.SetChatMsg{DocID: "doc", Chat: hello()})
	assert.Equal(t, protocol.CodeReadOnly, f.out.last(t, "c1", protocol.TypeError).(protocol.ErrorMsg).Code)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

func (denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 1500 * time.Millisecond
}

func TestRateLimitedEdit(t *testing.T) {
	f := newFixture(t, denyLimiter{})
	f.join(t, "c1", "doc")

	f.dispatch(t, "c1", protocol.TypeSetChat, protocol.SetChatMsg{DocID: "doc", Chat: hello()})
	msg := f.out.last(t, "c1", protocol.TypeRateLimited)
	require.NotNil(t, msg)
	assert.Equal(t, 2, msg.(protocol.RateLimitedMsg).RetryAfter)
	assert.Equal(t, 0, f.rooms.Room("doc").Model().Chat().Len())
}

func TestLeaveAndDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t, "c1", "a")
	f.join(t, "c1", "b")
	f.join(t, "c2", "b")

	f.dispatch(t, "c1", protocol.TypeLeaveDoc, protocol.LeaveDocMsg{DocID: "a"})
	assert.Nil(t, f.rooms.Room("a"))
	sess, err := f.sessions.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "", sess.DocID)
	assert.Equal(t, session.StatusIdle, sess.Status)

	f.h.disconnect("c1")
	require.NotNil(t, f.rooms.Room("b"))
	assert.Equal(t, 1, f.rooms.Room("b").Len())

	f.h.disconnect("c2")
	assert.Nil(t, f.rooms.Room("b"))
}
