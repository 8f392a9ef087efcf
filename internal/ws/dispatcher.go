package ws

import (
	"github.com/rs/zerolog"

	"github.com/neurosift/nschat/internal/logging"
	"github.com/neurosift/nschat/internal/metrics"
	"github.com/neurosift/nschat/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the value
// returned by protocol.ParseClientMessage, e.g. protocol.DocUpdateMsg.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming messages to registered handlers by
// type. Ping is answered internally; malformed and unsupported messages get
// an error reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      zerolog.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logging.Component("dispatcher"),
	}
}

// Register associates a handler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("in", "invalid").Inc()
		d.log.Debug().Err(err).Str(logging.FieldConnID, conn.ID).Msg("parse error")
		d.sendError(conn, protocol.CodeInvalidMessage, "invalid message format")
		return
	}
	metrics.MessagesTotal.WithLabelValues("in", msgType).Inc()

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("type", msgType).Str(logging.FieldConnID, conn.ID).Msg("unsupported message type")
		d.sendError(conn, protocol.CodeInvalidMessage, "unsupported message type")
		return
	}
	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// sendPong answers a client ping and counts it as activity.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()
	d.send(conn, protocol.TypePong, protocol.PongMsg{})
}

func (d *MessageDispatcher) send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error().Err(err).Str("type", msgType).Msg("building reply failed")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug().Err(err).Str(logging.FieldConnID, conn.ID).Msg("sending reply failed")
		return
	}
	metrics.MessagesTotal.WithLabelValues("out", msgType).Inc()
}
