package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lingo/relay/internal/chat"
	"github.com/lingo/relay/internal/metrics"
	"github.com/lingo/relay/internal/protocol"
)

// Directory mirrors connection state to a shared store so other relay
// instances and offline tooling can see who is connected. It is optional;
// the in-process Registry is always authoritative for delivery.
type Directory interface {
	Create(ctx context.Context, connID, userID string) error
	Delete(ctx context.Context, connID, userID string) error
}

// ServiceConfig holds presence tuning parameters.
type ServiceConfig struct {
	AnnouncePresence bool          // broadcast online/offline changes to other users
	DirectoryTimeout time.Duration // bound on each Directory call
}

// DefaultServiceConfig returns the defaults used by the relay.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		AnnouncePresence: false,
		DirectoryTimeout: 3 * time.Second,
	}
}

// Service is the messaging-level view of presence. It is created once and
// injected into every component that needs to reach connected users.
type Service struct {
	registry  *Registry
	directory Directory
	config    ServiceConfig
	onEvict   func(h *Handle)
}

// NewService wraps registry. directory may be nil.
func NewService(registry *Registry, directory Directory, config ServiceConfig) *Service {
	return &Service{
		registry:  registry,
		directory: directory,
		config:    config,
	}
}

// SetOnEvict registers a callback invoked after a handle that failed a write
// has been dropped from the registry. The transport uses it to close the
// underlying socket.
func (s *Service) SetOnEvict(fn func(h *Handle)) {
	s.onEvict = fn
}

// Registry returns the underlying connection registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// OnConnect registers a newly opened connection.
func (s *Service) OnConnect(h *Handle) {
	first := s.registry.Register(h)
	metrics.OnlineUsers.Set(float64(s.registry.Users()))

	if s.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.DirectoryTimeout)
		if err := s.directory.Create(ctx, h.ConnID, h.UserID); err != nil {
			log.Printf("[presence] directory create conn=%s user=%s: %v", h.ConnID, h.UserID, err)
		}
		cancel()
	}

	if first && s.config.AnnouncePresence {
		s.BroadcastExcept(h.UserID, protocol.TypePresence, protocol.PresenceMsg{UserID: h.UserID, Online: true})
	}
}

// OnDisconnect unregisters a closed connection. Unknown handles are ignored.
func (s *Service) OnDisconnect(h *Handle) {
	s.drop(h)
}

// IsUserOnline reports whether the user has at least one live connection.
func (s *Service) IsUserOnline(userID string) bool {
	return s.registry.IsOnline(userID)
}

// ListOnline returns the IDs of all connected users.
func (s *Service) ListOnline() []string {
	return s.registry.OnlineUsers()
}

// SendToUser writes event to every connection the user has open. The outcome
// is StatusLive if at least one connection took the frame and StatusOffline
// otherwise, in which case the caller decides on a fallback. Connections
// whose write fails are evicted.
func (s *Service) SendToUser(userID, event string, payload interface{}) chat.DeliveryOutcome {
	handles := s.registry.Lookup(userID)
	if len(handles) == 0 {
		return chat.DeliveryOutcome{UserID: userID, Status: chat.StatusOffline}
	}

	frame, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		return chat.DeliveryOutcome{UserID: userID, Status: chat.StatusFailed, Err: err}
	}

	delivered := 0
	var lastErr error
	for _, h := range handles {
		if err := h.Sink.WriteMessage(frame); err != nil {
			lastErr = err
			log.Printf("[presence] write %s to user=%s conn=%s failed, evicting: %v", event, userID, h.ConnID, err)
			s.evict(h)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return chat.DeliveryOutcome{
			UserID: userID,
			Status: chat.StatusOffline,
			Err:    fmt.Errorf("presence: all %d connections stale: %w", len(handles), lastErr),
		}
	}
	return chat.DeliveryOutcome{UserID: userID, Status: chat.StatusLive}
}

// BroadcastExcept writes event to every connection of every online user other
// than exceptUserID and returns how many connections received it.
func (s *Service) BroadcastExcept(exceptUserID, event string, payload interface{}) int {
	frame, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		log.Printf("[presence] broadcast %s: %v", event, err)
		return 0
	}

	var stale []*Handle
	sent := 0
	s.registry.Each(func(h *Handle) {
		if h.UserID == exceptUserID {
			return
		}
		if err := h.Sink.WriteMessage(frame); err != nil {
			stale = append(stale, h)
			return
		}
		sent++
	})

	for _, h := range stale {
		log.Printf("[presence] broadcast %s to conn=%s failed, evicting", event, h.ConnID)
		s.evict(h)
	}
	return sent
}

// evict removes a handle that no longer accepts writes.
func (s *Service) evict(h *Handle) {
	if !s.drop(h) {
		return
	}
	metrics.StaleEvictions.Inc()
	if s.onEvict != nil {
		s.onEvict(h)
	}
}

// drop unregisters h and performs the follow-up bookkeeping. It reports
// whether h was still registered.
func (s *Service) drop(h *Handle) bool {
	removed, last := s.registry.Unregister(h)
	if !removed {
		return false
	}
	metrics.OnlineUsers.Set(float64(s.registry.Users()))

	if s.directory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.DirectoryTimeout)
		if err := s.directory.Delete(ctx, h.ConnID, h.UserID); err != nil {
			log.Printf("[presence] directory delete conn=%s user=%s: %v", h.ConnID, h.UserID, err)
		}
		cancel()
	}

	if last && s.config.AnnouncePresence {
		now := time.Now().UTC()
		s.BroadcastExcept(h.UserID, protocol.TypePresence, protocol.PresenceMsg{UserID: h.UserID, Online: false, LastSeen: &now})
	}
	return true
}
