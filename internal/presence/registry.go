// Package presence tracks which users have live connections and delivers
// events to them. Registry is the mechanical user -> connections map; Service
// layers messaging-level operations and stale-connection eviction on top.
package presence

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used when NewRegistry is given n <= 0.
const DefaultShards = 32

// Sink is the transport side of a connection: something a frame can be
// written to.
type Sink interface {
	WriteMessage(data []byte) error
}

// Handle identifies one live transport connection (one device or tab).
type Handle struct {
	ConnID      string
	UserID      string
	ConnectedAt time.Time
	Sink        Sink
}

// Registry maps user IDs to their open connection handles. The map is split
// into shards keyed by a hash of the user ID so traffic for unrelated users
// does not contend on one lock. Every lock is held only for the map operation
// itself; callers get copies they can write to without holding anything.
type Registry struct {
	shards []*shard
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Handle // user_id -> conn_id -> handle
	conns int
}

// NewRegistry creates a registry with n shards.
func NewRegistry(n int) *Registry {
	if n <= 0 {
		n = DefaultShards
	}
	r := &Registry{shards: make([]*shard, n)}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[string]*Handle)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	return r.shards[xxhash.Sum64String(userID)%uint64(len(r.shards))]
}

// Register adds h under h.UserID. Registering a ConnID that is already
// present is a no-op. It reports whether this handle made the user go online.
func (r *Registry) Register(h *Handle) (first bool) {
	s := r.shardFor(h.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[h.UserID]
	if !ok {
		conns = make(map[string]*Handle, 1)
		s.users[h.UserID] = conns
	}
	if _, dup := conns[h.ConnID]; dup {
		return false
	}
	conns[h.ConnID] = h
	s.conns++
	return len(conns) == 1
}

// Unregister removes h. Unknown handles are ignored since disconnect races
// are expected. It reports whether a handle was removed and whether that
// removal took the user offline.
func (r *Registry) Unregister(h *Handle) (removed, last bool) {
	s := r.shardFor(h.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[h.UserID]
	if !ok {
		return false, false
	}
	if _, ok := conns[h.ConnID]; !ok {
		return false, false
	}
	delete(conns, h.ConnID)
	s.conns--
	if len(conns) == 0 {
		delete(s.users, h.UserID)
		return true, true
	}
	return true, false
}

// Lookup returns a snapshot of the user's open handles, or nil if offline.
func (r *Registry) Lookup(userID string) []*Handle {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Handle, 0, len(conns))
	for _, h := range conns {
		out = append(out, h)
	}
	return out
}

// IsOnline reports whether the user has at least one open handle.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	n := len(s.users[userID])
	s.mu.RUnlock()
	return n > 0
}

// OnlineUsers returns the IDs of all users with an open handle, in no
// particular order.
func (r *Registry) OnlineUsers() []string {
	var out []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.users {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	return out
}

// Users returns the number of online users.
func (r *Registry) Users() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.users)
		s.mu.RUnlock()
	}
	return n
}

// Conns returns the number of registered handles across all users.
func (r *Registry) Conns() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += s.conns
		s.mu.RUnlock()
	}
	return n
}

// Each calls fn for every registered handle. Each shard is copied before fn
// runs, so fn may block or call back into the registry.
func (r *Registry) Each(fn func(h *Handle)) {
	for _, s := range r.shards {
		s.mu.RLock()
		snapshot := make([]*Handle, 0, s.conns)
		for _, conns := range s.users {
			for _, h := range conns {
				snapshot = append(snapshot, h)
			}
		}
		s.mu.RUnlock()

		for _, h := range snapshot {
			fn(h)
		}
	}
}
