package ws

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"time"

	"github.com/lingo/relay/internal/fanout"
	"github.com/lingo/relay/internal/metrics"
	"github.com/lingo/relay/internal/protocol"
	"github.com/lingo/relay/internal/ratelimit"
)

// Sender is the fan-out surface the relay handlers call.
type Sender interface {
	SendDirectMessage(ctx context.Context, senderID, receiverID, content string) (*fanout.DirectResult, error)
	SendGroupMessage(ctx context.Context, senderID, groupID, content string) (*fanout.GroupResult, error)
	MarkRead(ctx context.Context, userID, otherID string) (int64, error)
	MarkGroupRead(ctx context.Context, userID, groupID string) (int64, error)
}

// HandlerConfig holds relay handler settings.
type HandlerConfig struct {
	RequestTimeout time.Duration  // bound on validation and persistence per request
	SendRule       ratelimit.Rule // per-user send budget
}

// DefaultHandlerConfig returns the defaults used by the relay.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		RequestTimeout: 10 * time.Second,
		SendRule:       ratelimit.RuleSend,
	}
}

// RegisterHandlers wires the chat events into d. limiter may be nil.
func RegisterHandlers(d *MessageDispatcher, sender Sender, limiter Limiter, config HandlerConfig) {
	h := &handlers{sender: sender, limiter: limiter, config: config}
	d.Register(protocol.TypeSendMessage, h.sendMessage)
	d.Register(protocol.TypeSendGroupMessage, h.sendGroupMessage)
	d.Register(protocol.TypeMarkRead, h.markRead)
	d.Register(protocol.TypeMarkGroupRead, h.markGroupRead)
}

type handlers struct {
	sender  Sender
	limiter Limiter
	config  HandlerConfig
}

// sendMessage persists and fans out a direct message. Success is confirmed to
// every sender device by the fan-out itself ("messageSent"), so only errors
// are answered here.
func (h *handlers) sendMessage(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	if strings.TrimSpace(m.ReceiverID) == "" {
		send(conn, protocol.TypeMessageError, protocol.SendErrorMsg{
			Code: protocol.CodeBadRequest, Error: "receiverId is required", TempID: m.TempID,
		})
		return
	}
	if !h.allow(conn) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.RequestTimeout)
	defer cancel()

	if _, err := h.sender.SendDirectMessage(ctx, conn.UserID, m.ReceiverID, m.Content); err != nil {
		code, text := classify(err)
		log.Printf("[message] user=%s to=%s rejected code=%s: %v", conn.UserID, m.ReceiverID, code, err)
		send(conn, protocol.TypeMessageError, protocol.SendErrorMsg{Code: code, Error: text, TempID: m.TempID})
	}
}

// sendGroupMessage persists and fans out a group message, then confirms it to
// the requesting connection with every member's translation.
func (h *handlers) sendGroupMessage(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.SendGroupMessageMsg)
	if !ok {
		return
	}
	if strings.TrimSpace(m.GroupID) == "" {
		send(conn, protocol.TypeGroupMessageError, protocol.SendErrorMsg{
			Code: protocol.CodeBadRequest, Error: "groupId is required", TempID: m.TempID,
		})
		return
	}
	if !h.allow(conn) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.RequestTimeout)
	defer cancel()

	res, err := h.sender.SendGroupMessage(ctx, conn.UserID, m.GroupID, m.Content)
	if err != nil {
		code, text := classify(err)
		log.Printf("[group] user=%s group=%s rejected code=%s: %v", conn.UserID, m.GroupID, code, err)
		send(conn, protocol.TypeGroupMessageError, protocol.SendErrorMsg{Code: code, Error: text, TempID: m.TempID})
		return
	}

	send(conn, protocol.TypeGroupMessageSent, protocol.GroupMessageSentMsg{
		GroupMessage: *res.Message,
		Translations: res.Translations,
	})
}

func (h *handlers) markRead(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.MarkReadMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.config.RequestTimeout)
	defer cancel()

	n, err := h.sender.MarkRead(ctx, conn.UserID, m.UserID)
	if err != nil {
		code, text := classify(err)
		sendError(conn, code, text)
		return
	}
	send(conn, protocol.TypeMessagesRead, protocol.MessagesReadMsg{UserID: m.UserID, Count: n})
}

func (h *handlers) markGroupRead(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.MarkGroupReadMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.config.RequestTimeout)
	defer cancel()

	n, err := h.sender.MarkGroupRead(ctx, conn.UserID, m.GroupID)
	if err != nil {
		code, text := classify(err)
		sendError(conn, code, text)
		return
	}
	send(conn, protocol.TypeMessagesRead, protocol.MessagesReadMsg{GroupID: m.GroupID, Count: n})
}

// allow applies the per-user send budget and tells the client when it is
// exhausted.
func (h *handlers) allow(conn *Connection) bool {
	if h.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if ok, _ := h.limiter.Allow(ctx, conn.UserID, h.config.SendRule); ok {
		return true
	}

	metrics.RateLimited.Inc()
	wait, _ := h.limiter.RetryAfter(ctx, conn.UserID, h.config.SendRule)
	send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(wait.Seconds())),
	})
	return false
}

// classify maps a fan-out error to a wire code and a client-safe message.
func classify(err error) (code, text string) {
	var verr *fanout.ValidationError
	if errors.As(err, &verr) {
		switch {
		case errors.Is(err, fanout.ErrNotFound):
			return protocol.CodeNotFound, verr.Error()
		case errors.Is(err, fanout.ErrNoContact):
			return protocol.CodeUnauthorized, "not a contact"
		case errors.Is(err, fanout.ErrMissingID):
			return protocol.CodeBadRequest, verr.Error()
		case errors.Is(err, fanout.ErrNotMember):
			return protocol.CodeBadRequest, "not a member of this group"
		case errors.Is(err, fanout.ErrInvalidContent):
			return protocol.CodeInvalidMessage, verr.Error()
		}
	}
	return protocol.CodeInternal, "request failed"
}
