// Package delivery decides, per recipient, whether a message goes out over a
// live connection or through the push channel.
package delivery

import (
	"context"
	"log"

	"github.com/lingo/relay/internal/chat"
	"github.com/lingo/relay/internal/metrics"
	"github.com/lingo/relay/internal/push"
)

// Presence is the part of presence.Service the router needs.
type Presence interface {
	IsUserOnline(userID string) bool
	SendToUser(userID, event string, payload interface{}) chat.DeliveryOutcome
}

// Pusher hands a notification to the push provider.
type Pusher interface {
	Send(ctx context.Context, n push.Notification) (push.Result, error)
}

// Request describes one recipient's copy of a message. The payload already
// carries the text resolved for this recipient.
type Request struct {
	Recipient chat.User
	Event     string      // live event name, e.g. "message" or "groupMessage"
	Payload   interface{} // live event payload

	// Push is used when the recipient is offline. Token is taken from
	// Recipient.PushToken.
	Push push.Notification

	// LiveOnly requests skip the push fallback.
	LiveOnly bool
}

// Router routes one recipient at a time. It never returns an error: every
// failure is classified into the outcome and logged.
type Router struct {
	presence Presence
	pusher   Pusher
}

// NewRouter creates a Router. pusher may be nil, in which case offline
// recipients end up with StatusNoChannel.
func NewRouter(presence Presence, pusher Pusher) *Router {
	return &Router{presence: presence, pusher: pusher}
}

// Route delivers req to its recipient. A live delivery and a push are never
// both attempted successfully for the same request.
func (r *Router) Route(ctx context.Context, req Request) chat.DeliveryOutcome {
	out := r.route(ctx, req)
	metrics.DeliveriesTotal.WithLabelValues(out.Status.String()).Inc()
	return out
}

func (r *Router) route(ctx context.Context, req Request) chat.DeliveryOutcome {
	userID := req.Recipient.ID

	if r.presence.IsUserOnline(userID) {
		out := r.presence.SendToUser(userID, req.Event, req.Payload)
		if out.Status == chat.StatusLive || out.Status == chat.StatusFailed {
			return out
		}
		// Disconnected between the check and the write.
		log.Printf("[delivery] user=%s went offline during %s, falling back", userID, req.Event)
	}

	if req.LiveOnly {
		return chat.DeliveryOutcome{UserID: userID, Status: chat.StatusOffline}
	}

	token := req.Recipient.PushToken
	if token == "" || r.pusher == nil {
		return chat.DeliveryOutcome{UserID: userID, Status: chat.StatusNoChannel}
	}

	n := req.Push
	n.Token = token
	res, err := r.pusher.Send(ctx, n)
	if err != nil {
		log.Printf("[delivery] push to user=%s failed: %v", userID, err)
		return chat.DeliveryOutcome{UserID: userID, Status: chat.StatusFailed, Err: err}
	}

	log.Printf("[delivery] pushed %s to user=%s id=%s", req.Event, userID, res.ID)
	return chat.DeliveryOutcome{UserID: userID, Status: chat.StatusPushed}
}
