// Package chat holds the messaging domain model shared by the relay: users,
// contacts, groups, persisted messages, and the transient per-recipient
// delivery and translation records produced by a fan-out.
package chat

import "time"

// User is the subset of a profile the relay needs to route a message.
type User struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	PreferredLang string `json:"preferredLang,omitempty"` // BCP 47 tag, empty if unset
	PushToken     string `json:"-"`                       // device token, empty if none registered
}

// Contact is one direction of a contact relationship. Relationships are stored
// in both directions, so (A,B) and (B,A) each have their own row.
type Contact struct {
	ID            int64     `json:"id"`
	UserID        string    `json:"userId"`
	ContactUserID string    `json:"contactUserId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Group is a named set of members.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Membership roles.
const (
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

// Membership links a user to a group.
type Membership struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
	Role    string `json:"role"`
}

// Message is a persisted direct message. Only IsRead changes after creation.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	IsRead     bool      `json:"isRead"`
}

// GroupMessage is a persisted group message. Recipients are not stored; they
// are resolved from membership when the message is sent.
type GroupMessage struct {
	ID        int64     `json:"id"`
	GroupID   string    `json:"groupId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	IsRead    bool      `json:"isRead"`
}

// Translation is the display text computed for one recipient.
type Translation struct {
	UserID            string `json:"userId"`
	Language          string `json:"language"`
	TranslatedContent string `json:"translatedContent"`
}

// DeliveryStatus classifies what happened to one recipient's copy.
type DeliveryStatus int

const (
	StatusFailed    DeliveryStatus = iota
	StatusLive                     // written to at least one open connection
	StatusOffline                  // no open connection accepted the frame
	StatusPushed                   // handed to the push provider
	StatusNoChannel                // offline with no push token; nothing to do
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusLive:
		return "live"
	case StatusOffline:
		return "offline"
	case StatusPushed:
		return "pushed"
	case StatusNoChannel:
		return "no_channel"
	default:
		return "failed"
	}
}

// DeliveryOutcome records the result of delivering to one recipient. It is
// never persisted and never reported to the sender.
type DeliveryOutcome struct {
	UserID string
	Status DeliveryStatus
	Err    error
}

// Delivered reports whether the recipient got the message through any channel.
func (o DeliveryOutcome) Delivered() bool {
	return o.Status == StatusLive || o.Status == StatusPushed
}
