package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/wwwauth-go/dpop"
	"github.com/ggoodman/wwwauth-go/storage/redis"
)

// Config holds the environment-driven session settings.
type Config struct {
	// CacheSize bounds the in-memory cache. ENV: WWWAUTH_CACHE_SIZE
	CacheSize int `env:"WWWAUTH_CACHE_SIZE,default=1024"`
	// GracePeriod for login token expiry. ENV: WWWAUTH_GRACE_PERIOD
	GracePeriod time.Duration `env:"WWWAUTH_GRACE_PERIOD,default=3m"`
	// RedisAddr selects the Redis cache when set. ENV: WWWAUTH_REDIS_ADDR
	RedisAddr string `env:"WWWAUTH_REDIS_ADDR"`
	// RedisPrefix for cache keys. ENV: WWWAUTH_REDIS_PREFIX
	RedisPrefix string `env:"WWWAUTH_REDIS_PREFIX,default=wwwauth:credentials:"`
	// DPoP generates an ES256 proof key. ENV: WWWAUTH_DPOP
	DPoP bool `env:"WWWAUTH_DPOP,default=false"`
}

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode session config: %w", err)
	}
	return cfg, nil
}

// Options translates cfg into session options. Resources it creates, such as
// a Redis connection, are released when the session is closed.
func (cfg Config) Options(ctx context.Context) ([]Option, error) {
	opts := []Option{WithCacheSize(cfg.CacheSize), WithGracePeriod(cfg.GracePeriod)}
	if cfg.RedisAddr != "" {
		st, err := redis.New(ctx, redis.Config{Addr: cfg.RedisAddr, KeyPrefix: cfg.RedisPrefix})
		if err != nil {
			return nil, err
		}
		opts = append(opts, withOwnedStore(st))
	}
	if cfg.DPoP {
		m, err := dpop.Generate("ES256")
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithDPoP(m))
	}
	return opts, nil
}

// NewFromEnv builds a session from the environment. Additional options are
// applied after the environment's.
func NewFromEnv(ctx context.Context, opts ...Option) (*Session, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	envOpts, err := cfg.Options(ctx)
	if err != nil {
		return nil, err
	}
	return New(append(envOpts, opts...)...)
}
