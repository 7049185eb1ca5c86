package ws

import (
	"context"
	"log"
	"time"

	"github.com/lingo/relay/internal/protocol"
	"github.com/lingo/relay/internal/session"
)

// LocalPresence reports users connected to this instance.
type LocalPresence interface {
	IsUserOnline(userID string) bool
}

// PresenceDirectory is the cross-instance connection directory kept in Redis.
type PresenceDirectory interface {
	ActiveConnections(ctx context.Context, userID string) ([]session.Session, error)
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

type presenceQuery struct {
	local   LocalPresence
	dir     PresenceDirectory
	timeout time.Duration
}

// RegisterPresenceHandler answers getPresence. The local registry is checked
// first; dir, which may be nil, covers users connected to other instances
// and supplies last-seen for offline users.
func RegisterPresenceHandler(d *MessageDispatcher, local LocalPresence, dir PresenceDirectory, timeout time.Duration) {
	q := &presenceQuery{local: local, dir: dir, timeout: timeout}
	d.Register(protocol.TypeGetPresence, q.getPresence)
}

func (q *presenceQuery) getPresence(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.GetPresenceMsg)
	if !ok {
		return
	}
	if m.UserID == "" {
		sendError(conn, protocol.CodeBadRequest, "userId is required")
		return
	}

	reply := protocol.PresenceMsg{UserID: m.UserID, Online: q.local.IsUserOnline(m.UserID)}
	if !reply.Online && q.dir != nil {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		defer cancel()

		active, err := q.dir.ActiveConnections(ctx, m.UserID)
		if err != nil {
			log.Printf("ws: presence lookup user=%s failed: %v", m.UserID, err)
		}
		reply.Online = len(active) > 0

		if !reply.Online {
			seen, found, err := q.dir.LastSeen(ctx, m.UserID)
			if err != nil {
				log.Printf("ws: last seen lookup user=%s failed: %v", m.UserID, err)
			} else if found {
				reply.LastSeen = &seen
			}
		}
	}

	send(conn, protocol.TypePresence, reply)
}
