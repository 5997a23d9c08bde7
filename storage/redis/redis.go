// Package redis provides a Redis-backed credential cache so that sessions in
// several processes can share negotiated credentials.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/wwwauth-go/auth"
	"github.com/ggoodman/wwwauth-go/storage"
)

// Config for the Redis store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: WWWAUTH_REDIS_ADDR
	Addr string `env:"WWWAUTH_REDIS_ADDR,default=localhost:6379"`
	// DB selects the logical database. ENV: WWWAUTH_REDIS_DB
	DB int `env:"WWWAUTH_REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: WWWAUTH_REDIS_PREFIX
	KeyPrefix string `env:"WWWAUTH_REDIS_PREFIX,default=wwwauth:credentials:"`
}

// Store implements storage.Store using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	owned     bool
}

// Option configures a Store.
type Option func(*Store)

// WithClient uses an existing client instead of dialing Config.Addr. The
// caller keeps ownership: Close does not close it.
func WithClient(c *redis.Client) Option {
	return func(s *Store) { s.client = c }
}

// New creates a Store and verifies the server is reachable.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s := &Store{keyPrefix: cfg.KeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	if s.keyPrefix == "" {
		s.keyPrefix = "wwwauth:credentials:"
	}
	if s.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		s.client = redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		s.owned = true
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		if s.owned {
			_ = s.client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

// ConfigFromEnv reads Config from the environment, applying tag defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode redis config: %w", err)
	}
	return cfg, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// Get returns the live credential under key. Expired entries are deleted.
func (s *Store) Get(ctx context.Context, key storage.Key, opts ...storage.Option) (*auth.Credential, error) {
	o := storage.Apply(opts...)
	redisKey := s.buildKey(o.Namespace, key)

	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var cred auth.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	if cred.Expired(o.Clock()) {
		// Best effort: the TTL removes it eventually.
		_ = s.expire(ctx, redisKey, raw)
		return nil, nil
	}
	return &cred, nil
}

// compareAndDelete deletes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// expire removes redisKey only while it still holds stale, so a credential
// written after stale was read survives.
func (s *Store) expire(ctx context.Context, redisKey string, stale []byte) error {
	return compareAndDelete.Run(ctx, s.client, []string{redisKey}, stale).Err()
}

// Set stores cred under key with a Redis TTL matching its expiry.
func (s *Store) Set(ctx context.Context, key storage.Key, cred *auth.Credential, opts ...storage.Option) error {
	if cred == nil {
		return storage.ErrNilCredential
	}
	o := storage.Apply(opts...)
	redisKey := s.buildKey(o.Namespace, key)

	var ttl time.Duration
	if !cred.ExpiresAt().IsZero() {
		ttl = cred.TTL(o.Clock())
		if ttl <= 0 {
			// Already expired: nothing to cache, and drop any older entry.
			return s.client.Del(ctx, redisKey).Err()
		}
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	if err := s.client.Set(ctx, redisKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

// Delete removes one entry or a whole namespace.
func (s *Store) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)

	if o.Key != nil {
		redisKey := s.buildKey(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
		}
		return nil
	}

	pattern := escapeGlob(s.keyPrefix+storage.Prefix(o.Namespace)) + "*"
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}
	return nil
}

// Close closes the client if the Store dialed it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) buildKey(ns storage.Namespace, key storage.Key) string {
	return s.keyPrefix + storage.Prefix(ns) + key.String()
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

var _ storage.Store = (*Store)(nil)
