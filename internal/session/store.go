package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for per-connection hashes.
	ConnPrefix = "conn:"

	// UserConnsPrefix is the Redis key prefix for per-user connection sets.
	UserConnsPrefix = "user_conns:"

	// LastSeenPrefix is the Redis key prefix for per-user last-seen stamps.
	LastSeenPrefix = "last_seen:"

	// SessionTTL is the time-to-live for connection keys in Redis. Heartbeats
	// refresh it while the connection is open.
	SessionTTL = 1 * time.Hour

	// LastSeenTTL bounds how long a last-seen stamp is kept.
	LastSeenTTL = 30 * 24 * time.Hour
)

// Session is one open connection as recorded in Redis.
type Session struct {
	ID          string `redis:"id"`
	UserID      string `redis:"user_id"`
	Server      string `redis:"server"`       // which relay instance holds the socket
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages the connection directory in Redis. It satisfies
// presence.Directory.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create records a newly opened connection for userID.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	key := ConnPrefix + connID
	userKey := UserConnsPrefix + userID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":           connID,
		"user_id":      userID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, userKey, connID)
	pipe.Expire(ctx, userKey, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := ConnPrefix + connID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// Touch marks the connection active and refreshes its TTLs.
func (s *Store) Touch(ctx context.Context, connID, userID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, UserConnsPrefix+userID, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a closed connection and stamps the user's last-seen time.
func (s *Store) Delete(ctx context.Context, connID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, ConnPrefix+connID)
	pipe.SRem(ctx, UserConnsPrefix+userID, connID)
	pipe.Set(ctx, LastSeenPrefix+userID, time.Now().Unix(), LastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}

// UserConnections returns the IDs of the user's recorded connections across
// all relay instances.
func (s *Store) UserConnections(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, UserConnsPrefix+userID).Result()
}

// ActiveConnections returns the user's connection records across all relay
// instances. Set members whose hash already expired, left behind by an
// instance that died without cleaning up, are pruned from the set.
func (s *Store) ActiveConnections(ctx context.Context, userID string) ([]Session, error) {
	ids, err := s.UserConnections(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", userID, err)
	}

	var (
		active []Session
		stale  []interface{}
	)
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("session: get %s: %w", id, err)
		}
		if sess == nil {
			stale = append(stale, id)
			continue
		}
		active = append(active, *sess)
	}

	if len(stale) > 0 {
		// Pruning is best effort; the next lookup retries it.
		_ = s.client.SRem(ctx, UserConnsPrefix+userID, stale...).Err()
	}
	return active, nil
}

// LastSeen returns when the user last closed a connection. ok is false if no
// stamp is recorded.
func (s *Store) LastSeen(ctx context.Context, userID string) (t time.Time, ok bool, err error) {
	raw, err := s.client.Get(ctx, LastSeenPrefix+userID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session: bad last_seen for %s: %w", userID, err)
	}
	return time.Unix(unix, 0), true, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
