package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "assistant:history:"

	// exchangeMarkerTTL bounds how long a completed exchange id is
	// remembered for idempotent retries.
	exchangeMarkerTTL = 15 * time.Minute
)

// appendScript pushes all turns of one exchange in a single server-side step.
// KEYS[1] = transcript list, KEYS[2] = exchange marker (omitted when unused)
// ARGV[1] = marker ttl seconds, ARGV[2] = transcript ttl seconds, ARGV[3..] = turns
var appendScript = redis.NewScript(`
if #KEYS > 1 then
	if not redis.call("SET", KEYS[2], "1", "NX", "EX", ARGV[1]) then
		return 0
	end
end
redis.call("RPUSH", KEYS[1], unpack(ARGV, 3))
if tonumber(ARGV[2]) > 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

// RedisBackend implements HistoryStore using Redis lists.
// It provides distributed transcript storage suitable for multi-node
// deployments: each append runs as one Lua script, so concurrent appends
// for a session never interleave their turns.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all transcript keys (default: "assistant:history:").
	Prefix string
	// SessionTTL is the transcript expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix, cfg.SessionTTL), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Both keys of a session carry the id as a hash tag so the append script
// touches a single cluster slot.
func (b *RedisBackend) turnsKey(sessionID string) string {
	return b.prefix + "turns:{" + sessionID + "}"
}

func (b *RedisBackend) exchangeKey(sessionID, exchangeID string) string {
	return b.prefix + "exchange:{" + sessionID + "}:" + exchangeID
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Get retrieves all turns for a session in order.
func (b *RedisBackend) Get(ctx context.Context, sessionID string) (Transcript, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	data, err := b.client.LRange(ctx, b.turnsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	transcript := make(Transcript, 0, len(data))
	for _, d := range data {
		var turn Turn
		if err := json.Unmarshal([]byte(d), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		transcript = append(transcript, turn)
	}

	return transcript, nil
}

// AppendAtomic pushes turns onto the session list in one script call.
func (b *RedisBackend) AppendAtomic(ctx context.Context, sessionID string, turns []Turn) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateTurns(turns); err != nil {
		return err
	}

	args := make([]any, 0, len(turns)+2)
	args = append(args, int(exchangeMarkerTTL.Seconds()), int(b.ttl.Seconds()))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		args = append(args, string(data))
	}

	keys := []string{b.turnsKey(sessionID)}
	if id := exchangeID(turns); id != "" {
		keys = append(keys, b.exchangeKey(sessionID, id))
	}

	if err := appendScript.Run(ctx, b.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("append turns: %w", err)
	}

	return nil
}

// Clear deletes the session transcript. Deleting a missing key is a no-op.
func (b *RedisBackend) Clear(ctx context.Context, sessionID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	if err := b.client.Del(ctx, b.turnsKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}
