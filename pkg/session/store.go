package session

import (
	"context"
	"fmt"
)

// HistoryStore abstracts transcript persistence.
// Implementations must be safe for concurrent use, including from several
// processes sharing the same backing store.
type HistoryStore interface {
	// Get returns the transcript for a session in order.
	// A missing session yields an empty transcript, not an error.
	Get(ctx context.Context, sessionID string) (Transcript, error)

	// AppendAtomic appends turns to a session. Either every turn becomes
	// visible to later reads or none do. Turns sharing a non-empty
	// ExchangeID that were already appended are not appended twice.
	AppendAtomic(ctx context.Context, sessionID string, turns []Turn) error

	// Clear removes the transcript for a session. Clearing a missing
	// session succeeds.
	Clear(ctx context.Context, sessionID string) error

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

// New creates the backend selected by cfg.Store.
func New(ctx context.Context, cfg Config) (HistoryStore, error) {
	switch cfg.Store {
	case StoreRedis:
		return NewRedisBackend(RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Prefix:     cfg.Redis.Prefix,
			SessionTTL: cfg.TTL,
			PoolSize:   cfg.Redis.PoolSize,
		})
	case StoreSQLite:
		return NewSQLiteBackend(cfg.SQLite.Path)
	case StoreFirestore:
		return NewFirestoreBackend(ctx, FirestoreConfig{
			ProjectID:       cfg.Firestore.ProjectID,
			Collection:      cfg.Firestore.Collection,
			CredentialsFile: cfg.Firestore.CredentialsFile,
		})
	case StoreFile:
		return NewFileBackend(cfg.File.Dir)
	case StoreMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}
