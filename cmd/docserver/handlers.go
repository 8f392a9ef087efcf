package main

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/neurosift/nschat/internal/logging"
	"github.com/neurosift/nschat/internal/metrics"
	"github.com/neurosift/nschat/internal/protocol"
	"github.com/neurosift/nschat/internal/ratelimit"
	"github.com/neurosift/nschat/internal/room"
	"github.com/neurosift/nschat/internal/ws"
)

// sessionTracker records which document a connection has open.
type sessionTracker interface {
	SetDocument(ctx context.Context, sessionID, docID string, clientID uint64, userName string) error
	ClearDocument(ctx context.Context, sessionID, docID string) error
}

type limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// handlers implements the client message types on top of the room manager.
type handlers struct {
	rooms    *room.Manager
	sender   room.Sender
	sessions sessionTracker // optional
	limiter  limiter        // optional
	log      zerolog.Logger
}

func newHandlers(rooms *room.Manager, sender room.Sender, sessions sessionTracker, limiter limiter) *handlers {
	return &handlers{
		rooms:    rooms,
		sender:   sender,
		sessions: sessions,
		limiter:  limiter,
		log:      logging.Component("handlers"),
	}
}

func (h *handlers) register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinDoc, h.joinDoc)
	d.Register(protocol.TypeLeaveDoc, h.leaveDoc)
	d.Register(protocol.TypeDocUpdate, h.docUpdate)
	d.Register(protocol.TypeSetChat, h.setChat)
	d.Register(protocol.TypeAwareness, h.awareness)
	d.Register(protocol.TypeSaveDoc, h.saveDoc)
	d.Register(protocol.TypeSetReadOnly, h.setReadOnly)
}

// -----------------------------------------------------------------------
// join_doc / leave_doc
// -----------------------------------------------------------------------

func (h *handlers) joinDoc(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinDocMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, joined, err := h.rooms.Join(ctx, m.DocID, conn.ID, m.User)
	if err != nil {
		h.log.Error().Err(err).Str(logging.FieldConnID, conn.ID).Str(logging.FieldDocID, m.DocID).Msg("join failed")
		h.sendError(conn, m.DocID, err)
		return
	}
	h.send(conn, protocol.TypeDocJoined, joined)

	if h.sessions != nil {
		var name string
		if m.User != nil {
			name = m.User.Name
		}
		if err := h.sessions.SetDocument(ctx, conn.ID, m.DocID, joined.ClientID, name); err != nil {
			h.log.Warn().Err(err).Str(logging.FieldConnID, conn.ID).Msg("recording session document failed")
		}
	}
}

func (h *handlers) leaveDoc(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.LeaveDocMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.rooms.Leave(ctx, m.DocID, conn.ID); err != nil {
		if !errors.Is(err, room.ErrNotMember) {
			h.log.Error().Err(err).Str(logging.FieldDocID, m.DocID).Msg("leave failed")
		}
		h.sendError(conn, m.DocID, err)
		return
	}
	if h.sessions != nil {
		if err := h.sessions.ClearDocument(ctx, conn.ID, m.DocID); err != nil {
			h.log.Warn().Err(err).Str(logging.FieldConnID, conn.ID).Msg("clearing session document failed")
		}
	}
}

// disconnect leaves every room the connection had joined.
func (h *handlers) disconnect(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.rooms.LeaveAll(ctx, connID)
}

// -----------------------------------------------------------------------
// Edits
// -----------------------------------------------------------------------

func (h *handlers) docUpdate(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.DocUpdateMsg)
	if !ok {
		return
	}
	r := h.roomFor(conn, m.DocID, ratelimit.RuleUpdate)
	if r == nil {
		return
	}
	if err := r.ApplyUpdate(conn.ID, m.Update); err != nil {
		h.sendError(conn, m.DocID, err)
	}
}

func (h *handlers) setChat(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SetChatMsg)
	if !ok {
		return
	}
	r := h.roomFor(conn, m.DocID, ratelimit.RuleUpdate)
	if r == nil {
		return
	}
	if err := r.SetChat(conn.ID, m.Chat); err != nil {
		h.sendError(conn, m.DocID, err)
	}
}

func (h *handlers) awareness(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.AwarenessMsg)
	if !ok {
		return
	}
	r := h.roomFor(conn, m.DocID, ratelimit.RuleAwareness)
	if r == nil {
		return
	}
	if err := r.ApplyAwareness(conn.ID, m.Update); err != nil {
		h.sendError(conn, m.DocID, err)
	}
}

func (h *handlers) saveDoc(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SaveDocMsg)
	if !ok {
		return
	}
	r := h.roomFor(conn, m.DocID, ratelimit.RuleSave)
	if r == nil {
		return
	}
	if !r.IsMember(conn.ID) {
		h.sendError(conn, m.DocID, room.ErrNotMember)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Save(ctx); err != nil {
		h.log.Error().Err(err).Str(logging.FieldDocID, m.DocID).Msg("save failed")
		h.sendError(conn, m.DocID, err)
	}
}

func (h *handlers) setReadOnly(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SetReadOnlyMsg)
	if !ok {
		return
	}
	r := h.roomFor(conn, m.DocID, ratelimit.RuleUpdate)
	if r == nil {
		return
	}
	if err := r.SetReadOnly(conn.ID, m.ReadOnly); err != nil {
		h.sendError(conn, m.DocID, err)
	}
}

// roomFor applies the rate limit and looks up the open room. It replies to
// the client and returns nil when the message must not be processed.
func (h *handlers) roomFor(conn *ws.Connection, docID string, rule ratelimit.Rule) *room.Room {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(ctx, conn.ID, rule); !ok {
			retry := h.limiter.RetryAfter(ctx, conn.ID, rule)
			metrics.RejectedUpdates.WithLabelValues("rate_limited").Inc()
			h.send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(math.Ceil(retry.Seconds())),
			})
			return nil
		}
	}

	r := h.rooms.Room(docID)
	if r == nil {
		h.sendError(conn, docID, room.ErrNotMember)
		return nil
	}
	return r
}

// -----------------------------------------------------------------------
// Replies
// -----------------------------------------------------------------------

func (h *handlers) sendError(conn *ws.Connection, docID string, err error) {
	code := protocol.CodeInternal
	message := "internal error"
	switch {
	case errors.Is(err, room.ErrNotMember):
		code, message = protocol.CodeNotJoined, "document not joined"
	case errors.Is(err, room.ErrReadOnly):
		code, message = protocol.CodeReadOnly, "document is read-only"
	case errors.Is(err, room.ErrInvalidUpdate):
		code, message = protocol.CodeInvalidChat, err.Error()
	}
	h.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message, DocID: docID})
}

func (h *handlers) send(conn *ws.Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("building reply failed")
		return
	}
	if err := h.sender.SendMessage(conn.ID, data); err != nil {
		h.log.Debug().Err(err).Str(logging.FieldConnID, conn.ID).Msg("sending reply failed")
		return
	}
	metrics.MessagesTotal.WithLabelValues("out", msgType).Inc()
}
