package typing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyChatPrefix = "typing:chat:" // + <chat_id> -> Sorted set, score = expiry (ms)
	keyUserPrefix = "typing:user:" // + <user_id> -> Set of chat IDs
)

// Redis is the Store shared by all server instances. Each chat is a sorted
// set of user IDs scored by expiry time; a per-user set indexes the chats a
// user is typing in so ClearUser does not need to scan.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedis creates a Redis-backed Store. A non-positive ttl means TTL.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = TTL
	}
	return &Redis{rdb: rdb, ttl: ttl, now: time.Now}
}

func (r *Redis) SetTyping(ctx context.Context, chatID, userID string) error {
	expiry := r.now().Add(r.ttl)
	chatKey := keyChatPrefix + chatID
	userKey := keyUserPrefix + userID

	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, chatKey, redis.Z{Score: float64(expiry.UnixMilli()), Member: userID})
	// Keys outlive their members by one TTL so an idle chat disappears.
	pipe.PExpire(ctx, chatKey, 2*r.ttl)
	pipe.SAdd(ctx, userKey, chatID)
	pipe.PExpire(ctx, userKey, 2*r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("typing: set %s/%s: %w", chatID, userID, err)
	}
	return nil
}

func (r *Redis) UnsetTyping(ctx context.Context, chatID, userID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, keyChatPrefix+chatID, userID)
	pipe.SRem(ctx, keyUserPrefix+userID, chatID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("typing: unset %s/%s: %w", chatID, userID, err)
	}
	return nil
}

func (r *Redis) TypingUsers(ctx context.Context, chatID string) ([]string, error) {
	key := keyChatPrefix + chatID
	now := r.now().UnixMilli()

	pipe := r.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now, 10))
	live := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	})
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("typing: list %s: %w", chatID, err)
	}

	users := live.Val()
	sort.Strings(users)
	return users, nil
}

func (r *Redis) IsUserTyping(ctx context.Context, chatID, userID string) (bool, error) {
	score, err := r.rdb.ZScore(ctx, keyChatPrefix+chatID, userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("typing: score %s/%s: %w", chatID, userID, err)
	}
	return int64(score) > r.now().UnixMilli(), nil
}

func (r *Redis) ClearChat(ctx context.Context, chatID string) error {
	if err := r.rdb.Del(ctx, keyChatPrefix+chatID).Err(); err != nil {
		return fmt.Errorf("typing: clear chat %s: %w", chatID, err)
	}
	return nil
}

func (r *Redis) ClearUser(ctx context.Context, userID string) error {
	userKey := keyUserPrefix + userID
	chats, err := r.rdb.SMembers(ctx, userKey).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("typing: clear user %s: %w", userID, err)
	}

	pipe := r.rdb.TxPipeline()
	for _, chatID := range chats {
		pipe.ZRem(ctx, keyChatPrefix+chatID, userID)
	}
	pipe.Del(ctx, userKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("typing: clear user %s: %w", userID, err)
	}
	return nil
}
