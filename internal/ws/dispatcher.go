package ws

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage, e.g. protocol.JoinMsg.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to handlers by message type.
// Pings are answered internally; malformed or unsupported frames get an
// error event and the connection stays open.
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

// Register associates handler with msgType, replacing any earlier one.
// Handlers must be registered before the server starts.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str(logging.FieldConnID, conn.ID).Msg("dispatch parse error")
		if msgType != "" && msgType != protocol.TypeJoin && msgType != protocol.TypeSendMessage && msgType != protocol.TypePing {
			SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		if msgType != "" {
			SendError(conn, protocol.CodeInvalidPayload, "invalid "+msgType+" payload")
			return
		}
		SendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("msg_type", msgType).Str(logging.FieldConnID, conn.ID).Msg("unsupported message type")
		SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// Send encodes payload as a msgType server message and writes it to conn.
// Failures are logged, not returned.
func Send(conn *Connection, msgType string, payload interface{}) {
	log := logging.Component("dispatcher")
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str(logging.FieldConnID, conn.ID).
			Str("msg_type", msgType).Msg("encode failed")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str(logging.FieldConnID, conn.ID).
			Str("msg_type", msgType).Msg("write failed")
	}
}

// SendError writes an error event to conn.
func SendError(conn *Connection, code, message string) {
	Send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// sendPong answers a client ping and counts it as liveness.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.touch(time.Now())
	Send(conn, protocol.TypePong, protocol.PongMsg{})
}
