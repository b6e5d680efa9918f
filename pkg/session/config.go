package session

import "time"

// Supported values for Config.Store.
const (
	StoreRedis     = "redis"
	StoreSQLite    = "sqlite"
	StoreFirestore = "firestore"
	StoreMemory    = "memory"
	StoreFile      = "file"
)

// Config holds session store configuration from YAML.
type Config struct {
	// Store specifies the storage backend type.
	// Options: "redis", "sqlite", "firestore", "file", "memory"
	// Default: "redis"
	Store string `yaml:"store"`

	// TTL expires idle transcripts on backends that support it (0 = never).
	TTL time.Duration `yaml:"ttl"`

	// OpTimeout bounds each individual store operation.
	// Default: 2s
	OpTimeout time.Duration `yaml:"op_timeout"`

	// RetryAttempts is the number of tries for a store operation before
	// the dispatcher reports the store as unavailable.
	// Default: 3
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBaseDelay is the first backoff interval between tries.
	// Default: 100ms
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	Redis     RedisSettings     `yaml:"redis"`
	SQLite    SQLiteSettings    `yaml:"sqlite"`
	Firestore FirestoreSettings `yaml:"firestore"`
	File      FileSettings      `yaml:"file"`
}

// RedisSettings configures the Redis backend.
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

// SQLiteSettings configures the SQLite backend.
type SQLiteSettings struct {
	// Path is the database file. Default: ./data/history.db
	Path string `yaml:"path"`
}

// FirestoreSettings configures the Firestore backend.
type FirestoreSettings struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// FileSettings configures the JSONL file backend.
type FileSettings struct {
	// Dir holds one file per session. Default: ~/.assistant/history
	Dir string `yaml:"dir"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Store:          StoreRedis,
		OpTimeout:      2 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: 100 * time.Millisecond,
		Redis: RedisSettings{
			Addr:     "localhost:6379",
			Prefix:   defaultRedisPrefix,
			PoolSize: 10,
		},
		SQLite: SQLiteSettings{
			Path: "./data/history.db",
		},
		Firestore: FirestoreSettings{
			Collection: defaultFirestoreCollection,
		},
	}
}
