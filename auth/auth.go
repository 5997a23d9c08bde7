package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/ggoodman/wwwauth-go/challenge"
)

// ErrInvalidRequest indicates a request descriptor that cannot be negotiated
// for, such as one without an absolute target URI.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNoCredential indicates that negotiation finished without producing a
// credential. Negotiation itself reports this as an absent result; the error
// exists for callers that need to surface it.
var ErrNoCredential = errors.New("no usable credential")

// ErrUnknownThumbprint indicates a proof was requested for a key the session
// does not hold.
var ErrUnknownThumbprint = errors.New("unknown thumbprint")

// ErrInvalidChallenge is returned by providers asked to build an
// authenticator for a challenge they cannot serve.
var ErrInvalidChallenge = errors.New("invalid challenge")

// Authenticator performs one scheme's credential-acquisition handshake.
//
// Authenticate returns (nil, nil) when it declines to produce a credential.
// Any error is treated by the negotiator as a failed candidate. Implementations
// must not write to the session's cache; Session.Authenticate does that.
type Authenticator interface {
	Name() string
	Scheme() string
	// Priority orders authenticators registered for the same scheme. Higher
	// wins.
	Priority() int
	Authenticate(ctx context.Context, sess Session, req Request, algs []string) (*Credential, error)
}

// Provider builds authenticators for the schemes it names. Authenticator is
// called once per challenge so that challenge parameters (UMA's as_uri and
// ticket, DPoP's algs) can be bound into the returned value.
type Provider interface {
	Schemes() []string
	Authenticator(ch challenge.Challenge) (Authenticator, error)
}

// Session is the caller-side authentication state consulted during
// negotiation.
type Session interface {
	ID() string
	Principal() (string, bool)
	// SupportedSchemes lists the schemes this session is willing to attempt.
	SupportedSchemes() []string
	// Credential looks up a cached credential by type and resource (or
	// issuer). Expired entries are misses.
	Credential(ctx context.Context, credType, resource string) (*Credential, bool)
	// FromCache looks up the access credential cached for req's resource.
	FromCache(ctx context.Context, req Request) (*Credential, bool)
	// SelectThumbprint picks the strongest proof key whose algorithm appears
	// in algs.
	SelectThumbprint(algs []string) (string, bool)
	// GenerateProof signs a proof for req with the key identified by
	// thumbprint. It returns ErrUnknownThumbprint when no such key is held.
	GenerateProof(thumbprint string, req Request) (string, error)
	// Authenticate runs a, caching any resulting credential against req
	// before the returned handle resolves.
	Authenticate(ctx context.Context, a Authenticator, req Request, algs []string) *Pending
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc struct {
	AuthName     string
	AuthScheme   string
	AuthPriority int
	Fn           func(ctx context.Context, sess Session, req Request, algs []string) (*Credential, error)
}

func (f AuthenticatorFunc) Name() string {
	if f.AuthName != "" {
		return f.AuthName
	}
	return f.AuthScheme
}

func (f AuthenticatorFunc) Scheme() string { return challenge.CanonicalScheme(f.AuthScheme) }
func (f AuthenticatorFunc) Priority() int  { return f.AuthPriority }

func (f AuthenticatorFunc) Authenticate(ctx context.Context, sess Session, req Request, algs []string) (*Credential, error) {
	if f.Fn == nil {
		return nil, nil
	}
	return f.Fn(ctx, sess, req, algs)
}

// supports reports whether sess is willing to attempt scheme.
func supports(sess Session, scheme string) bool {
	for _, s := range sess.SupportedSchemes() {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}
