// Package fanout turns one inbound send into a persisted message delivered
// to every recipient. A send moves through Received, Persisted,
// RecipientsResolved, Translated and Routed before it is Done. It can only
// fail while Received (validation) or while persisting; after the message is
// stored, translation and delivery problems are absorbed per recipient.
package fanout

import (
	"context"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lingo/relay/internal/chat"
	"github.com/lingo/relay/internal/delivery"
	"github.com/lingo/relay/internal/metrics"
	"github.com/lingo/relay/internal/protocol"
	"github.com/lingo/relay/internal/push"
	"github.com/lingo/relay/internal/translate"
)

// Store is the persistence the orchestrator needs. Find* methods return
// (nil, nil) when the record does not exist.
type Store interface {
	FindUser(ctx context.Context, userID string) (*chat.User, error)
	FindGroup(ctx context.Context, groupID string) (*chat.Group, error)
	FindContactRelation(ctx context.Context, userID, otherID string) (*chat.Contact, error)
	FindGroupMembership(ctx context.Context, userID, groupID string) (*chat.Membership, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]chat.User, error)
	CreateMessage(ctx context.Context, senderID, receiverID, content string) (*chat.Message, error)
	CreateGroupMessage(ctx context.Context, senderID, groupID, content string) (*chat.GroupMessage, error)
	MarkMessagesRead(ctx context.Context, userID, otherID string) (int64, error)
	MarkGroupMessagesRead(ctx context.Context, userID, groupID string) (int64, error)
}

// Router delivers one recipient's copy.
type Router interface {
	Route(ctx context.Context, req delivery.Request) chat.DeliveryOutcome
}

// Config holds fan-out tuning parameters.
type Config struct {
	DefaultLanguage    string // content language for senders without a preference
	Parallelism        int    // max concurrent recipients in a group send
	PushBodyTranslated bool   // push body carries the translation instead of the original
}

// DefaultConfig returns the defaults used by the relay.
func DefaultConfig() Config {
	return Config{
		DefaultLanguage:    "en",
		Parallelism:        16,
		PushBodyTranslated: false,
	}
}

// DirectResult is returned to the sender of a direct message.
type DirectResult struct {
	Message           *chat.Message
	TranslatedContent string
	Contact           *chat.Contact
}

// GroupResult is returned to the sender of a group message.
type GroupResult struct {
	Message      *chat.GroupMessage
	Translations []chat.Translation
}

// Orchestrator runs sends. It is safe for concurrent use.
type Orchestrator struct {
	store      Store
	translator translate.Translator
	router     Router
	config     Config
}

// NewOrchestrator creates an Orchestrator. A nil translator disables
// translation.
func NewOrchestrator(store Store, translator translate.Translator, router Router, config Config) *Orchestrator {
	if translator == nil {
		translator = translate.Nop{}
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 1
	}
	return &Orchestrator{
		store:      store,
		translator: translator,
		router:     router,
		config:     config,
	}
}

// SendDirectMessage persists a message from senderID to receiverID and
// delivers it. The two users must be contacts. The returned error is either
// a *ValidationError or a *PersistenceError; in both cases nothing was
// delivered.
func (o *Orchestrator) SendDirectMessage(ctx context.Context, senderID, receiverID, content string) (*DirectResult, error) {
	start := time.Now()

	if err := chat.ValidateMessage(content); err != nil {
		return nil, o.reject("direct", &ValidationError{Kind: ErrInvalidContent, Detail: err.Error()})
	}

	sender, err := o.store.FindUser(ctx, senderID)
	if err != nil {
		return nil, o.fail("direct", &PersistenceError{Op: "find sender", Err: err})
	}
	if sender == nil {
		return nil, o.reject("direct", invalid(ErrNotFound, "sender %s", senderID))
	}

	receiver, err := o.store.FindUser(ctx, receiverID)
	if err != nil {
		return nil, o.fail("direct", &PersistenceError{Op: "find receiver", Err: err})
	}
	if receiver == nil {
		return nil, o.reject("direct", invalid(ErrNotFound, "receiver %s", receiverID))
	}

	contact, err := o.store.FindContactRelation(ctx, senderID, receiverID)
	if err != nil {
		return nil, o.fail("direct", &PersistenceError{Op: "find contact", Err: err})
	}
	if contact == nil {
		return nil, o.reject("direct", invalid(ErrNoContact, "%s -> %s", senderID, receiverID))
	}

	msg, err := o.store.CreateMessage(ctx, senderID, receiverID, content)
	if err != nil {
		return nil, o.fail("direct", &PersistenceError{Op: "create message", Err: err})
	}

	// Persisted: the rest of the send runs to completion.
	ctx = context.WithoutCancel(ctx)

	memo := newMemo(o.translator)
	translated := memo.translate(ctx, content, o.contentLanguage(sender), receiver.PreferredLang)

	o.router.Route(ctx, delivery.Request{
		Recipient: *receiver,
		Event:     protocol.TypeMessage,
		Payload: protocol.DirectMessageMsg{
			Message:           *msg,
			TranslatedContent: translated,
			Contact:           contact,
		},
		Push: push.Notification{
			Title: displayName(sender),
			Body:  o.pushBody(content, translated),
			Data: map[string]string{
				"type":              protocol.TypeMessage,
				"messageId":         strconv.FormatInt(msg.ID, 10),
				"senderId":          sender.ID,
				"contactId":         strconv.FormatInt(contact.ID, 10),
				"content":           content,
				"translatedContent": translated,
			},
		},
	})

	// Confirm to every device the sender has open.
	o.router.Route(ctx, delivery.Request{
		Recipient: *sender,
		Event:     protocol.TypeMessageSent,
		Payload: protocol.DirectMessageMsg{
			Message:           *msg,
			TranslatedContent: content,
			Contact:           contact,
		},
		LiveOnly: true,
	})

	o.done("direct", start)
	return &DirectResult{Message: msg, TranslatedContent: translated, Contact: contact}, nil
}

// SendGroupMessage persists a message from senderID to groupID and delivers
// it to every other member, each in their own language. Members are handled
// concurrently and independently: one member's failure does not affect the
// others. The returned error is either a *ValidationError or a
// *PersistenceError.
func (o *Orchestrator) SendGroupMessage(ctx context.Context, senderID, groupID, content string) (*GroupResult, error) {
	start := time.Now()

	if err := chat.ValidateMessage(content); err != nil {
		return nil, o.reject("group", &ValidationError{Kind: ErrInvalidContent, Detail: err.Error()})
	}

	sender, err := o.store.FindUser(ctx, senderID)
	if err != nil {
		return nil, o.fail("group", &PersistenceError{Op: "find sender", Err: err})
	}
	if sender == nil {
		return nil, o.reject("group", invalid(ErrNotFound, "sender %s", senderID))
	}

	group, err := o.store.FindGroup(ctx, groupID)
	if err != nil {
		return nil, o.fail("group", &PersistenceError{Op: "find group", Err: err})
	}
	if group == nil {
		return nil, o.reject("group", invalid(ErrNotFound, "group %s", groupID))
	}

	membership, err := o.store.FindGroupMembership(ctx, senderID, groupID)
	if err != nil {
		return nil, o.fail("group", &PersistenceError{Op: "find membership", Err: err})
	}
	if membership == nil {
		return nil, o.reject("group", invalid(ErrNotMember, "%s in %s", senderID, groupID))
	}

	msg, err := o.store.CreateGroupMessage(ctx, senderID, groupID, content)
	if err != nil {
		return nil, o.fail("group", &PersistenceError{Op: "create group message", Err: err})
	}

	ctx = context.WithoutCancel(ctx)
	result := &GroupResult{Message: msg, Translations: []chat.Translation{}}

	members, err := o.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		// The message is stored; members will see it on their next sync.
		log.Printf("[fanout] group=%s message=%d: list members: %v", groupID, msg.ID, err)
		o.done("group", start)
		return result, nil
	}

	recipients := make([]chat.User, 0, len(members))
	for _, m := range members {
		if m.ID != senderID {
			recipients = append(recipients, m)
		}
	}

	source := o.contentLanguage(sender)
	memo := newMemo(o.translator)
	translations := make([]chat.Translation, len(recipients))
	var delivered atomic.Int64

	var g errgroup.Group
	g.SetLimit(o.config.Parallelism)
	for i, member := range recipients {
		g.Go(func() error {
			text := memo.translate(ctx, content, source, member.PreferredLang)
			lang := member.PreferredLang
			if lang == "" {
				lang = source
			}
			translations[i] = chat.Translation{UserID: member.ID, Language: lang, TranslatedContent: text}

			out := o.router.Route(ctx, delivery.Request{
				Recipient: member,
				Event:     protocol.TypeGroupMessage,
				Payload:   protocol.GroupMessageMsg{GroupMessage: *msg, TranslatedContent: text},
				Push: push.Notification{
					Title: group.Name,
					Body:  o.pushBody(content, text),
					Data: map[string]string{
						"type":              protocol.TypeGroupMessage,
						"messageId":         strconv.FormatInt(msg.ID, 10),
						"groupId":           group.ID,
						"senderId":          sender.ID,
						"content":           content,
						"translatedContent": text,
					},
				},
			})
			if out.Delivered() {
				delivered.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	if n := delivered.Load(); int(n) < len(recipients) {
		log.Printf("[fanout] group=%s message=%d reached %d/%d members", groupID, msg.ID, n, len(recipients))
	}
	result.Translations = translations
	o.done("group", start)
	return result, nil
}

// MarkRead marks every message otherID sent to userID as read and returns
// how many changed. The two users must be contacts.
func (o *Orchestrator) MarkRead(ctx context.Context, userID, otherID string) (int64, error) {
	if otherID == "" {
		return 0, invalid(ErrMissingID, "user id")
	}
	contact, err := o.store.FindContactRelation(ctx, userID, otherID)
	if err != nil {
		return 0, &PersistenceError{Op: "find contact", Err: err}
	}
	if contact == nil {
		return 0, invalid(ErrNoContact, "%s -> %s", userID, otherID)
	}
	n, err := o.store.MarkMessagesRead(ctx, userID, otherID)
	if err != nil {
		return 0, &PersistenceError{Op: "mark read", Err: err}
	}
	return n, nil
}

// MarkGroupRead marks the group's messages from other members as read.
func (o *Orchestrator) MarkGroupRead(ctx context.Context, userID, groupID string) (int64, error) {
	membership, err := o.store.FindGroupMembership(ctx, userID, groupID)
	if err != nil {
		return 0, &PersistenceError{Op: "find membership", Err: err}
	}
	if membership == nil {
		return 0, invalid(ErrNotMember, "%s in %s", userID, groupID)
	}
	n, err := o.store.MarkGroupMessagesRead(ctx, userID, groupID)
	if err != nil {
		return 0, &PersistenceError{Op: "mark group read", Err: err}
	}
	return n, nil
}

// contentLanguage is the language a sender's messages are assumed to be in.
func (o *Orchestrator) contentLanguage(sender *chat.User) string {
	if tag, ok := translate.Normalize(sender.PreferredLang); ok {
		return tag
	}
	return o.config.DefaultLanguage
}

func (o *Orchestrator) pushBody(content, translated string) string {
	if o.config.PushBodyTranslated {
		return translated
	}
	return content
}

func (o *Orchestrator) reject(kind string, err *ValidationError) error {
	metrics.SendsTotal.WithLabelValues(kind, "rejected").Inc()
	return err
}

func (o *Orchestrator) fail(kind string, err *PersistenceError) error {
	metrics.SendsTotal.WithLabelValues(kind, "failed").Inc()
	log.Printf("[fanout] %s send: %v", kind, err)
	return err
}

func (o *Orchestrator) done(kind string, start time.Time) {
	metrics.SendsTotal.WithLabelValues(kind, "done").Inc()
	metrics.FanoutLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func displayName(u *chat.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.ID
}
