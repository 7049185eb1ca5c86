// Package ws handles WebSocket connection management: upgrading HTTP
// connections, reading frames through an epoll-driven worker pool, and
// dispatching client events to the relay's handlers. Every accepted socket is
// registered with the presence service, which is how the rest of the relay
// reaches it.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/lingo/relay/internal/metrics"
	"github.com/lingo/relay/internal/presence"
	"github.com/lingo/relay/internal/protocol"
	"github.com/lingo/relay/internal/ratelimit"
)

// ErrUnauthenticated is returned by an Authenticator that found no identity.
var ErrUnauthenticated = errors.New("ws: unauthenticated")

// Authenticator resolves the user behind an upgrade request.
type Authenticator func(r *http.Request) (userID string, err error)

// QueryAuthenticator trusts the "userId" query parameter or the X-User-ID
// header. It is meant to sit behind a gateway that has already verified the
// caller.
func QueryAuthenticator(r *http.Request) (string, error) {
	if id := strings.TrimSpace(r.URL.Query().Get("userId")); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id, nil
	}
	return "", ErrUnauthenticated
}

// Limiter is the rate limiter used for upgrades and sends.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          // address to listen on, e.g. ":8080"
	WorkerPoolSize int             // max concurrent read-worker goroutines
	MaxConnections int             // hard cap on total connections
	ReadTimeout    time.Duration   // timeout for WebSocket read operations
	WriteTimeout   time.Duration   // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig // liveness probing
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	presence     *presence.Service
	authenticate Authenticator
	limiter      Limiter
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onHeartbeat  func(conn *Connection)              // called after each successful ping
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server that registers every accepted connection with
// presenceSvc. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, presenceSvc *presence.Service, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:       config,
		conns:        NewConnectionManager(),
		presence:     presenceSvc,
		authenticate: QueryAuthenticator,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
	}

	// A socket that failed a write is closed here once presence drops it.
	presenceSvc.SetOnEvict(func(h *presence.Handle) {
		if c := s.conns.Get(h.ConnID); c != nil {
			s.RemoveConnection(c)
		}
	})

	return s
}

// SetAuthenticator replaces QueryAuthenticator.
func (s *Server) SetAuthenticator(fn Authenticator) {
	s.authenticate = fn
}

// SetLimiter enables per-address upgrade limiting.
func (s *Server) SetLimiter(l Limiter) {
	s.limiter = l
}

// SetOnHeartbeat registers a callback run for every connection that answered
// the heartbeat sweep.
func (s *Server) SetOnHeartbeat(fn func(conn *Connection)) {
	s.onHeartbeat = fn
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes the epoll instance and serves HTTP on ln. It starts the
// epoll event loop and heartbeat in background goroutines and blocks until
// the HTTP server stops.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{Handler: mux}

	go s.startEventLoop()

	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader, and registers the new
// connection with epoll and presence.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), clientAddr(r), ratelimit.RuleConnect); !ok {
			metrics.RateLimited.Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := NewConnection(uuid.NewString(), userID, conn, s.config.WriteTimeout)

	// Presence is in place before the first frame can be read, so an
	// immediate send already sees its own sender online.
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	s.presence.OnConnect(c.Handle())

	connected, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID,
		UserID:       userID,
	})
	if err != nil {
		log.Printf("ws: failed to build connected for conn %s: %v", c.ID, err)
	} else if err := c.WriteMessage(connected); err != nil {
		log.Printf("ws: failed to send connected for conn %s: %v", c.ID, err)
	}

	if err := s.epoll.Add(c); err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)", c.ID, userID, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection and online user counts. It is used by the load balancer
// for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"onlineUsers"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		OnlineUsers: s.presence.Registry().Users(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// waitTimeout bounds each epoll wait so the event loop notices shutdown.
const waitTimeout = 200 * time.Millisecond

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.epoll.Wait(waitTimeout)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, r := range ready {
			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func(r Ready) {
				defer func() { <-s.workerPool }()
				if r.Hangup {
					s.RemoveConnection(r.Conn)
					return
				}
				s.handleConn(r.Conn)
				if err := s.epoll.Rearm(r.Conn); err != nil {
					log.Printf("ws: rearm conn=%s failed: %v", r.Conn.ID, err)
					s.RemoveConnection(r.Conn)
				}
			}(r)
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
func (s *Server) handleConn(c *Connection) {
	if s.conns.Get(c.ID) == nil {
		return
	}

	// One reader per connection at a time.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	netConn := c.Conn
	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Any frame proves the connection is alive.
	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll, the connection manager
// and presence, and closes the underlying network connection. It is safe to
// call more than once for the same connection.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}

	// Only the first caller proceeds; read errors, heartbeat timeouts and
	// presence evictions can race here.
	if !s.conns.Remove(c.ID) {
		return
	}

	s.presence.OnDisconnect(c.Handle())
	metrics.ConnectionsTotal.Dec()

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientAddr identifies the caller for upgrade rate limiting, preferring the
// first X-Forwarded-For hop set by the load balancer.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
