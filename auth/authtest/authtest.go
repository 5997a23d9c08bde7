// Package authtest provides scripted authenticators and an in-memory session
// for exercising negotiation without network access.
package authtest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/wwwauth-go/auth"
	"github.com/ggoodman/wwwauth-go/challenge"
)

// Authenticator returns a fixed outcome and counts its invocations.
type Authenticator struct {
	AuthName   string
	AuthScheme string
	Prio       int
	Cred       *auth.Credential
	Err        error
	// Delay, when set, is slept before returning.
	Delay time.Duration
	// Gate, when set, is received from before returning.
	Gate chan struct{}

	calls atomic.Int32
	mu    sync.Mutex
	algs  [][]string
}

// NewAuthenticator returns an Authenticator for scheme that yields cred.
func NewAuthenticator(scheme string, priority int, cred *auth.Credential) *Authenticator {
	return &Authenticator{AuthScheme: scheme, Prio: priority, Cred: cred}
}

func (a *Authenticator) Name() string {
	if a.AuthName != "" {
		return a.AuthName
	}
	return a.AuthScheme
}

func (a *Authenticator) Scheme() string { return challenge.CanonicalScheme(a.AuthScheme) }
func (a *Authenticator) Priority() int  { return a.Prio }

func (a *Authenticator) Authenticate(ctx context.Context, _ auth.Session, _ auth.Request, algs []string) (*auth.Credential, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.algs = append(a.algs, append([]string(nil), algs...))
	a.mu.Unlock()
	if a.Delay > 0 {
		time.Sleep(a.Delay)
	}
	if a.Gate != nil {
		<-a.Gate
	}
	return a.Cred, a.Err
}

// Calls reports how many times Authenticate ran.
func (a *Authenticator) Calls() int { return int(a.calls.Load()) }

// Algorithms returns the algs argument of each call, in order.
func (a *Authenticator) Algorithms() [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]string(nil), a.algs...)
}

// NeverBasic returns a Basic authenticator that always declines. It models a
// scheme that is wired up but never trusted to produce a credential.
func NeverBasic() *Authenticator {
	return &Authenticator{AuthName: "never-basic", AuthScheme: challenge.Basic}
}

// Session is a minimal in-memory auth.Session.
type Session struct {
	SessionID string
	Agent     string
	Schemes   []string
	// Thumbprints maps proof algorithms to key thumbprints.
	Thumbprints map[string]string
	// Now overrides the clock used for expiry checks.
	Now func() time.Time

	mu    sync.RWMutex
	cache map[[2]string]*auth.Credential
}

// NewSession returns a Session supporting schemes.
func NewSession(schemes ...string) *Session {
	return &Session{SessionID: "test-session", Schemes: schemes}
}

func (s *Session) ID() string { return s.SessionID }

func (s *Session) Principal() (string, bool) { return s.Agent, s.Agent != "" }

func (s *Session) SupportedSchemes() []string { return append([]string(nil), s.Schemes...) }

func (s *Session) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Session) Credential(_ context.Context, credType, resource string) (*auth.Credential, bool) {
	s.mu.RLock()
	c, ok := s.cache[[2]string{credType, resource}]
	s.mu.RUnlock()
	if !ok || c.Expired(s.now()) {
		return nil, false
	}
	return c, true
}

func (s *Session) FromCache(ctx context.Context, req auth.Request) (*auth.Credential, bool) {
	return s.Credential(ctx, auth.AccessTokenType, req.ResourceKey())
}

// Put seeds the cache, for example with a login token under
// auth.IDTokenType.
func (s *Session) Put(credType, resource string, c *auth.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		s.cache = make(map[[2]string]*auth.Credential)
	}
	s.cache[[2]string{credType, resource}] = c
}

// Len reports the number of cached entries, expired or not.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *Session) SelectThumbprint(algs []string) (string, bool) {
	for _, a := range algs {
		if t, ok := s.Thumbprints[a]; ok {
			return t, true
		}
	}
	return "", false
}

func (s *Session) GenerateProof(thumbprint string, req auth.Request) (string, error) {
	for alg, t := range s.Thumbprints {
		if t == thumbprint {
			return strings.Join([]string{alg, req.Method, req.Target()}, "."), nil
		}
	}
	return "", auth.ErrUnknownThumbprint
}

func (s *Session) Authenticate(ctx context.Context, a auth.Authenticator, req auth.Request, algs []string) *auth.Pending {
	ctx = context.WithoutCancel(ctx)
	return auth.Go(func() (*auth.Credential, error) {
		c, err := a.Authenticate(ctx, s, req, algs)
		if err != nil || c == nil {
			return nil, err
		}
		s.mu.Lock()
		if s.cache == nil {
			s.cache = make(map[[2]string]*auth.Credential)
		}
		s.cache[[2]string{auth.AccessTokenType, req.ResourceKey()}] = c
		s.mu.Unlock()
		return c, nil
	})
}
