// Package push hands notifications for offline recipients to the push
// provider. The relay does not talk to the provider directly: each
// notification is encoded as a request and published on NATS, where the
// notification worker picks it up.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// ErrMissingToken is returned by Send when the notification has no device
// token.
var ErrMissingToken = errors.New("push: missing device token")

// Notification is what the recipient's device displays.
type Notification struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Result identifies an accepted push request.
type Result struct {
	ID string
}

// Publisher delivers an encoded push request to the queue.
type Publisher interface {
	PublishPush(data []byte) error
}

// request is the wire shape consumed by the notification worker.
type request struct {
	ID string `json:"id"`
	Notification
	CreatedAt time.Time `json:"createdAt"`
}

// Sender publishes push requests.
type Sender struct {
	publisher Publisher
}

// NewSender creates a Sender backed by publisher.
func NewSender(publisher Publisher) (*Sender, error) {
	if publisher == nil {
		return nil, errors.New("push: publisher cannot be nil")
	}
	return &Sender{publisher: publisher}, nil
}

// Send publishes n and returns the request ID assigned to it.
func (s *Sender) Send(ctx context.Context, n Notification) (Result, error) {
	if n.Token == "" {
		return Result{}, ErrMissingToken
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("push: %w", err)
	}

	req := request{
		ID:           uuid.NewString(),
		Notification: n,
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("push: marshal request: %w", err)
	}

	if err := s.publisher.PublishPush(data); err != nil {
		return Result{}, fmt.Errorf("push: publish %s: %w", req.ID, err)
	}

	log.Printf("[push] queued id=%s title=%q", req.ID, n.Title)
	return Result{ID: req.ID}, nil
}
