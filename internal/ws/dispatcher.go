package ws

import (
	"log"
	"time"

	"github.com/lingo/relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.SendMessageMsg, protocol.MarkReadMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
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

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if msgType != "" && !isKnownType(msgType) {
			log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
			sendError(conn, protocol.CodeUnsupported, "unsupported message type")
			return
		}
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	// Built-in ping handler: respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		sendError(conn, protocol.CodeUnsupported, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func isKnownType(msgType string) bool {
	switch msgType {
	case protocol.TypeSendMessage, protocol.TypeSendGroupMessage,
		protocol.TypeMarkRead, protocol.TypeMarkGroupRead, protocol.TypePing,
		protocol.TypeGetPresence:
		return true
	}
	return false
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func sendError(conn *Connection, code string, message string) {
	send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// sendPong answers an application-level ping and counts it as activity.
func sendPong(conn *Connection) {
	conn.Touch(time.Now())
	send(conn, protocol.TypePong, protocol.PongMsg{})
}

// send writes one server event to conn, logging failures.
func send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send %s conn=%s: %v", msgType, conn.ID, err)
	}
}
