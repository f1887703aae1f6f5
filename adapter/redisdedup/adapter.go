package redisdedup

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xevent"
)

// Adapter: Redis dedup store (Strategy + Adapter patterns)

const StoreName = "redis"

func init() {
	if err := xevent.RegisterDedupStore(StoreName, func(cfg map[string]any) (xevent.DedupStore, error) {
		return NewStore(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xevent: failed to register dedup store %q: %w", StoreName, err))
	}
}

// Config for the Redis dedup store.
type Config struct {
	// Client options
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Key options
	KeyPrefix string
	TTL       time.Duration
}

// Defaults returns a production-safe baseline config.
func Defaults() Config {
	return Config{
		Addr:      "127.0.0.1:6379",
		KeyPrefix: "xevent:dedup:",
		TTL:       5 * time.Minute,
	}
}

// toMap converts typed Config into the generic map expected by the store factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"key_prefix":      c.KeyPrefix,
		"ttl":             c.TTL,
	}
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return d
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	def := Defaults()
	return Config{
		Addr:          getString("addr", def.Addr),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),
		KeyPrefix:     getString("key_prefix", def.KeyPrefix),
		TTL:           getDur("ttl", def.TTL),
	}
}

// Store implements xevent.DedupStore on Redis. Entries expire natively via
// SET EX, so the janitor sweep has nothing to do.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ xevent.DedupStore = (*Store)(nil)

// NewStore creates a Redis dedup store from config.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redisdedup: addr must not be empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = Defaults().TTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = Defaults().KeyPrefix
	}

	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: cfg.TLSServerName, MinVersion: tls.VersionTLS12}
	}

	return &Store{
		client: redis.NewClient(opts),
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
	}, nil
}

// NewStoreWithClient wraps an existing client (shared pools, tests).
func NewStoreWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *Store {
	if keyPrefix == "" {
		keyPrefix = Defaults().KeyPrefix
	}
	if ttl <= 0 {
		ttl = Defaults().TTL
	}
	return &Store{client: client, prefix: keyPrefix, ttl: ttl}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	id, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// PutIfAbsent reserves key -> eventID with native expiry. SET NX decides the
// winner atomically even when two nodes race on the same key; the loser reads
// back the winner's id.
func (s *Store) PutIfAbsent(ctx context.Context, key, eventID string) (string, bool, error) {
	k := s.prefix + key
	for {
		won, err := s.client.SetNX(ctx, k, eventID, s.ttl).Result()
		if err != nil {
			return "", false, err
		}
		if won {
			return "", true, nil
		}
		existing, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			// Entry expired between SETNX and GET; contend again.
			continue
		}
		if err != nil {
			return "", false, err
		}
		return existing, false, nil
	}
}

// Purge is a no-op: Redis expires entries natively.
func (s *Store) Purge(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// Len counts live entries under the key prefix via SCAN.
func (s *Store) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 512).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (s *Store) Close(_ context.Context) error {
	return s.client.Close()
}
