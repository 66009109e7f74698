package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for connection session hashes.
	SessionPrefix = "session:"

	// PresencePrefix is the Redis key prefix for per-user last-seen stamps.
	PresencePrefix = "presence:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// PresenceTTL bounds how long a last-seen stamp is kept. Anything older
	// is offline anyway.
	PresenceTTL = 10 * time.Minute
)

// Session is one connection's state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`     // empty until authenticated
	Server     string `redis:"server"`      // which WS server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Authenticated reports whether a user is bound to the connection.
func (s *Session) Authenticated() bool {
	return s.UserID != ""
}

// Store manages session and presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
	now        func() time.Time
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

	return New(client, serverName), nil
}

// New wraps an existing Redis client.
func New(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, now: time.Now}
}

// Create stores a new unauthenticated session for connID with a 1h TTL.
func (s *Store) Create(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	now := s.now().Unix()

	session := map[string]interface{}{
		"id":          connID,
		"user_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
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

// Bind records userID as the owner of connID and marks the user seen.
func (s *Store) Bind(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	now := s.now()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "last_active", now.Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Set(ctx, PresencePrefix+userID, now.UnixMilli(), PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes the session TTL and, for a bound connection, the user's
// last-seen stamp.
func (s *Store) Touch(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	now := s.now()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", now.Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if userID != "" {
		pipe.Set(ctx, PresencePrefix+userID, now.UnixMilli(), PresenceTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Seen marks userID active now. Used by the REST layer so a user working
// without a socket still shows up.
func (s *Store) Seen(ctx context.Context, userID string) error {
	return s.client.Set(ctx, PresencePrefix+userID, s.now().UnixMilli(), PresenceTTL).Err()
}

// Presence returns the derived presence of every id in userIDs. Users with
// no stamp are offline.
func (s *Store) Presence(ctx context.Context, userIDs []string) (map[string]Status, error) {
	out := make(map[string]Status, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = PresencePrefix + id
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("session: presence: %w", err)
	}

	now := s.now()
	for i, id := range userIDs {
		out[id] = Offline
		raw, ok := vals[i].(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out[id] = Derive(time.UnixMilli(ms), now)
	}
	return out, nil
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.Expire(ctx, key, SessionTTL).Err()
}

// Delete removes a session from Redis. The user's last-seen stamp is kept so
// presence decays through away to offline.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
