package ws

import (
	"github.com/peerprep/matching/internal/logger"
	"github.com/peerprep/matching/internal/metrics"
	"github.com/peerprep/matching/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.MatchMsg, protocol.AbortMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping internally and replies with an
// error message to malformed or unsupported frames; the channel stays open.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		logger.Debug("dispatch parse error", "component", "ws", "conn_id", conn.ID, "error", err)
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		d.reply(conn, protocol.Error("Invalid message", "Message could not be understood."))
		return
	}
	metrics.MessagesTotal.WithLabelValues(msgType).Inc()

	if msgType == protocol.TypePing {
		conn.Touch()
		d.reply(conn, protocol.Pong())
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		logger.Debug("unsupported message type", "component", "ws", "conn_id", conn.ID, "type", msgType)
		d.reply(conn, protocol.Error("Invalid message", "Unsupported message type."))
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) reply(conn *Connection, data []byte) {
	if err := conn.WriteMessage(data); err != nil {
		logger.Debug("reply failed", "component", "ws", "conn_id", conn.ID, "error", err)
	}
}
