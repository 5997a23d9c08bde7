// Package memory provides a bounded in-process credential cache built on
// github.com/hashicorp/golang-lru/v2.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggoodman/wwwauth-go/auth"
	"github.com/ggoodman/wwwauth-go/storage"
)

// DefaultSize bounds the cache when no size is configured.
const DefaultSize = 1024

// Store implements storage.Store in memory. Least recently used entries are
// evicted once the size bound is reached.
type Store struct {
	cache *lru.Cache[string, *auth.Credential]

	// mu orders writes against expire-on-read removals.
	mu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Store.
type Option func(*config)

type config struct {
	sweep time.Duration
}

// WithSweepInterval starts a goroutine that removes expired entries every d.
// Expired entries are always dropped on read; sweeping only bounds how long
// unread ones linger. The goroutine stops on Close.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweep = d }
}

// New creates a Store holding at most maxItems credentials. A non-positive
// maxItems selects DefaultSize.
func New(maxItems int, opts ...Option) (*Store, error) {
	if maxItems <= 0 {
		maxItems = DefaultSize
	}
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	cache, err := lru.New[string, *auth.Credential](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Store{cache: cache, stop: make(chan struct{})}
	if cfg.sweep > 0 {
		s.wg.Add(1)
		go s.sweepExpired(cfg.sweep)
	}
	return s, nil
}

// Get returns the live credential under key.
func (s *Store) Get(ctx context.Context, key storage.Key, opts ...storage.Option) (*auth.Credential, error) {
	o := storage.Apply(opts...)
	k := buildKey(o.Namespace, key)

	cred, ok := s.cache.Get(k)
	if !ok {
		return nil, nil
	}
	if cred.Expired(o.Clock()) {
		s.expire(k, cred)
		return nil, nil
	}
	return cred, nil
}

// expire removes the entry under k only while it still holds stale, so a
// credential written after stale was read survives.
func (s *Store) expire(k string, stale *auth.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cache.Peek(k); ok && cur == stale {
		s.cache.Remove(k)
	}
}

// Set stores cred under key. Credentials are immutable, so the pointer is
// shared with the caller.
func (s *Store) Set(ctx context.Context, key storage.Key, cred *auth.Credential, opts ...storage.Option) error {
	if cred == nil {
		return storage.ErrNilCredential
	}
	o := storage.Apply(opts...)
	s.mu.Lock()
	s.cache.Add(buildKey(o.Namespace, key), cred)
	s.mu.Unlock()
	return nil
}

// Delete removes one entry or a whole namespace.
func (s *Store) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Key != nil {
		s.cache.Remove(buildKey(o.Namespace, *o.Key))
		return nil
	}
	prefix := storage.Prefix(o.Namespace)
	// The LRU offers no prefix iteration.
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Len reports the number of entries, including expired ones not yet read.
func (s *Store) Len() int { return s.cache.Len() }

// Close stops any sweeper and drops every entry.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.cache.Purge()
	return nil
}

func buildKey(ns storage.Namespace, key storage.Key) string {
	return storage.Prefix(ns) + key.String()
}

func (s *Store) sweepExpired(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			for _, k := range s.cache.Keys() {
				if cred, ok := s.cache.Peek(k); ok && cred.Expired(now) {
					s.expire(k, cred)
				}
			}
		}
	}
}

var _ storage.Store = (*Store)(nil)
