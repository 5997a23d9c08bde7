// Package storage defines the credential cache backends sessions use.
//
// Entries are keyed by credential type and resource (or issuer) URI within an
// optional session namespace. Backends never return an expired credential:
// expiry is checked on every read and an expired entry is removed and
// reported as a miss.
package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ggoodman/wwwauth-go/auth"
)

// Store caches credentials.
type Store interface {
	// Get returns the credential stored under key, or nil if there is none or
	// it has expired. An error means the backend itself failed.
	Get(ctx context.Context, key Key, opts ...Option) (*auth.Credential, error)

	// Set stores cred under key, replacing any previous entry.
	Set(ctx context.Context, key Key, cred *auth.Credential, opts ...Option) error

	// Delete removes the entry named by WithKey, or the whole namespace when
	// no key is given.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases the backend's resources.
	Close() error
}

// Key identifies one cache entry.
type Key struct {
	// Type is a credential type identifier such as auth.AccessTokenType.
	Type string
	// Resource is the normalized resource or issuer URI.
	Resource string
}

func (k Key) String() string { return k.Type + "|" + k.Resource }

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Namespace Namespace // nil = global
	Key       *Key      // Delete only
	Now       time.Time // zero = time.Now()
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Clock returns the evaluation time for expiry checks.
func (o Options) Clock() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// Namespace scopes entries. If nil, storage operates in the global namespace.
type Namespace interface {
	namespace()
}

// SessionNamespace scopes entries to one session.
type SessionNamespace struct {
	SessionID string
}

func (SessionNamespace) namespace() {}

// WithSession scopes an operation to a session.
func WithSession(id string) Option {
	return func(o *Options) {
		o.Namespace = SessionNamespace{SessionID: id}
	}
}

// WithKey names a single entry for Delete.
func WithKey(key Key) Option {
	return func(o *Options) {
		o.Key = &key
	}
}

// WithNow sets the time expiry is evaluated against.
func WithNow(t time.Time) Option {
	return func(o *Options) {
		o.Now = t
	}
}

// Prefix renders a namespace as a key prefix shared by the backends.
func Prefix(ns Namespace) string {
	switch ns := ns.(type) {
	case SessionNamespace:
		// The length keeps prefixes of distinct IDs from nesting.
		return "session:" + strconv.Itoa(len(ns.SessionID)) + ":" + ns.SessionID + ":"
	default:
		return "global:"
	}
}

var (
	// ErrInvalidOptions is returned when incompatible options are provided
	ErrInvalidOptions = errors.New("storage: invalid option combination")
	// ErrNilCredential is returned by Set when given no credential.
	ErrNilCredential = errors.New("storage: nil credential")
)
