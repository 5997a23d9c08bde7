// Package session provides the concrete auth.Session used by negotiators
// and the retrying transport.
//
// A Session owns a principal, the list of schemes it will attempt, a
// credential cache and, optionally, a DPoP key manager. Sessions are safe for
// concurrent use: several negotiations may share one.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/wwwauth-go/auth"
	"github.com/ggoodman/wwwauth-go/challenge"
	"github.com/ggoodman/wwwauth-go/dpop"
	"github.com/ggoodman/wwwauth-go/internal/jwtauth"
	"github.com/ggoodman/wwwauth-go/internal/logctx"
	"github.com/ggoodman/wwwauth-go/storage"
	"github.com/ggoodman/wwwauth-go/storage/memory"
)

// DefaultGracePeriod is how long past its exp an ID token is still served.
const DefaultGracePeriod = 3 * time.Minute

// Session implements auth.Session.
type Session struct {
	id        string
	principal string
	schemes   []string

	store     storage.Store
	ownsStore bool
	keys      *dpop.Manager
	log       *slog.Logger
	now       func() time.Time

	login *auth.Credential
	grace time.Duration

	closeOnce sync.Once
	closeErr  error
}

var _ auth.Session = (*Session)(nil)

// Option configures a Session.
type Option func(*options)

type options struct {
	id         string
	principal  string
	schemes    []string
	schemesSet bool
	store      storage.Store
	ownsStore  bool
	keys       *dpop.Manager
	log        *slog.Logger
	now        func() time.Time
	login      *auth.Credential
	grace      time.Duration
	cacheSize  int

	verify jwtauth.Config
}

// WithID fixes the session identifier. Without it a random one is used.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithPrincipal sets the agent the session acts for.
func WithPrincipal(p string) Option {
	return func(o *options) { o.principal = p }
}

// WithSchemes replaces the default list of supported schemes.
func WithSchemes(schemes ...string) Option {
	return func(o *options) {
		o.schemes = make([]string, 0, len(schemes))
		for _, s := range schemes {
			o.schemes = append(o.schemes, challenge.CanonicalScheme(s))
		}
		o.schemesSet = true
	}
}

// WithStore sets the credential cache. The session does not close a store it
// was given.
func WithStore(s storage.Store) Option {
	return func(o *options) {
		o.store = s
		o.ownsStore = false
	}
}

func withOwnedStore(s storage.Store) Option {
	return func(o *options) {
		o.store = s
		o.ownsStore = true
	}
}

// WithCacheSize bounds the default in-memory cache.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithDPoP gives the session proof-of-possession keys. Unless WithSchemes is
// used, DPoP is then added to the supported schemes.
func WithDPoP(m *dpop.Manager) Option {
	return func(o *options) { o.keys = m }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock overrides the time used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLoginCredential sets the ID token credential served for
// auth.IDTokenType lookups.
func WithLoginCredential(c *auth.Credential) Option {
	return func(o *options) { o.login = c }
}

// WithGracePeriod sets how long past expiry the login credential remains
// usable. It also serves as clock-skew leeway when verifying ID tokens.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) { o.grace = d }
}

func defaults() *options {
	return &options{grace: DefaultGracePeriod, verify: *jwtauth.DefaultConfig()}
}

// New builds a Session. Unless configured otherwise it supports Bearer and
// UMA (plus DPoP when WithDPoP is given) and caches credentials in memory.
func New(opts ...Option) (*Session, error) {
	o := defaults()
	for _, opt := range opts {
		opt(o)
	}
	return build(o)
}

// Anonymous returns a session with no principal that only attempts UMA.
func Anonymous(opts ...Option) (*Session, error) {
	o := defaults()
	for _, opt := range opts {
		opt(o)
	}
	o.principal = ""
	o.schemes = []string{challenge.UMA}
	o.schemesSet = true
	o.login = nil
	return build(o)
}

func build(o *options) (*Session, error) {
	s := &Session{
		id:        o.id,
		principal: o.principal,
		store:     o.store,
		ownsStore: o.ownsStore,
		keys:      o.keys,
		log:       logctx.Wrap(o.log),
		now:       o.now,
		login:     o.login,
		grace:     o.grace,
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if o.schemesSet {
		s.schemes = o.schemes
	} else {
		s.schemes = []string{challenge.Bearer, challenge.UMA}
		if s.keys != nil {
			s.schemes = append(s.schemes, challenge.DPoP)
		}
	}
	if s.store == nil {
		st, err := memory.New(o.cacheSize)
		if err != nil {
			return nil, err
		}
		s.store = st
		s.ownsStore = true
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Principal() (string, bool) { return s.principal, s.principal != "" }

func (s *Session) SupportedSchemes() []string { return append([]string(nil), s.schemes...) }

// DPoP returns the session's key manager, if any.
func (s *Session) DPoP() (*dpop.Manager, bool) { return s.keys, s.keys != nil }

func (s *Session) logContext(ctx context.Context) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.id, Principal: s.principal})
}

// Credential returns a live credential of credType for resource. The login
// credential answers every auth.IDTokenType lookup until its expiry plus the
// grace period; everything else comes from the cache. Cache failures are
// logged and reported as misses.
func (s *Session) Credential(ctx context.Context, credType, resource string) (*auth.Credential, bool) {
	now := s.now()
	if credType == auth.IDTokenType && s.login != nil {
		if s.login.Expired(now.Add(-s.grace)) {
			return nil, false
		}
		return s.login, true
	}
	c, err := s.store.Get(ctx, storage.Key{Type: credType, Resource: resource}, storage.WithSession(s.id), storage.WithNow(now))
	if err != nil {
		s.log.WarnContext(s.logContext(ctx), "credential cache read failed",
			slog.String("type", credType), slog.String("resource", resource), slog.String("err", err.Error()))
		return nil, false
	}
	if c == nil {
		return nil, false
	}
	return c, true
}

func (s *Session) FromCache(ctx context.Context, req auth.Request) (*auth.Credential, bool) {
	return s.Credential(ctx, auth.AccessTokenType, req.ResourceKey())
}

// SelectThumbprint picks the strongest held key usable with algs.
func (s *Session) SelectThumbprint(algs []string) (string, bool) {
	if s.keys == nil {
		return "", false
	}
	alg, ok := s.keys.SelectAlgorithm(algs)
	if !ok {
		return "", false
	}
	return s.keys.LookupThumbprint(alg)
}

func (s *Session) GenerateProof(thumbprint string, req auth.Request) (string, error) {
	return s.GenerateBoundProof(thumbprint, req, "")
}

// GenerateBoundProof is GenerateProof with the proof bound to accessToken
// through the ath claim. An empty accessToken leaves it unbound.
func (s *Session) GenerateBoundProof(thumbprint string, req auth.Request, accessToken string) (string, error) {
	if s.keys == nil {
		return "", auth.ErrUnknownThumbprint
	}
	alg, ok := s.keys.LookupAlgorithm(thumbprint)
	if !ok {
		return "", auth.ErrUnknownThumbprint
	}
	if accessToken == "" {
		return s.keys.GenerateProof(alg, req.Target(), req.Method)
	}
	return s.keys.GenerateBoundProof(alg, req.Target(), req.Method, accessToken)
}

// Authenticate runs a on its own goroutine. The attempt ignores ctx
// cancellation so that a credential obtained after the caller gave up is
// still cached. Only a successful attempt writes to the cache.
func (s *Session) Authenticate(ctx context.Context, a auth.Authenticator, req auth.Request, algs []string) *auth.Pending {
	ctx = s.logContext(context.WithoutCancel(ctx))
	return auth.Go(func() (*auth.Credential, error) {
		cred, err := a.Authenticate(ctx, s, req, algs)
		if err != nil || cred == nil {
			return nil, err
		}
		key := storage.Key{Type: auth.AccessTokenType, Resource: req.ResourceKey()}
		if err := s.store.Set(ctx, key, cred, storage.WithSession(s.id)); err != nil {
			s.log.WarnContext(ctx, "credential cache write failed", slog.String("resource", key.Resource), slog.String("err", err.Error()))
		}
		return cred, nil
	})
}

// Forget drops every credential cached for this session.
func (s *Session) Forget(ctx context.Context) error {
	return s.store.Delete(ctx, storage.WithSession(s.id))
}

// Close releases the cache if the session created it.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.ownsStore {
			s.closeErr = s.store.Close()
		}
	})
	return s.closeErr
}
