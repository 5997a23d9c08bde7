package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ggoodman/wwwauth-go/auth"
	"github.com/ggoodman/wwwauth-go/challenge"
	"github.com/ggoodman/wwwauth-go/internal/jwtauth"
)

// WithIssuer requires ID tokens to carry iss. When discover is true the
// issuer's OpenID discovery document supplies the keys that verify the
// token's signature.
func WithIssuer(iss string, discover bool) Option {
	return func(o *options) {
		o.verify.Issuer = iss
		o.verify.Discover = discover
	}
}

// WithJWKS verifies ID token signatures against a fixed key set.
func WithJWKS(uri string) Option {
	return func(o *options) { o.verify.JWKSURI = uri }
}

// WithAudience requires ID tokens to name aud.
func WithAudience(aud string) Option {
	return func(o *options) { o.verify.ExpectedAudience = aud }
}

// WithAllowedAlgorithms restricts the ID token signing algorithms accepted.
func WithAllowedAlgorithms(algs ...string) Option {
	return func(o *options) { o.verify.AllowedAlgs = algs }
}

// OfIDToken logs in with an OpenID Connect ID token.
//
// The token must carry iss, sub, exp and iat. Its signature is verified only
// when WithJWKS or WithIssuer(iss, true) is given. The principal is the
// token's webid claim, falling back to sub, and the session ID is derived
// from the same identity so that repeated logins share a cache namespace.
func OfIDToken(ctx context.Context, idToken string, opts ...Option) (*Session, error) {
	o := defaults()
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.verify
	cfg.GracePeriod = o.grace
	cfg.Now = o.now

	// The verifier's key refresh runs until this context ends.
	vctx, cancel := context.WithCancel(ctx)
	defer cancel()
	v, err := jwtauth.NewVerifier(vctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("id token verifier: %w", err)
	}
	tok, err := v.Verify(vctx, idToken)
	if err != nil {
		return nil, err
	}

	o.principal = tok.WebID
	if o.principal == "" {
		o.principal = tok.Subject
	}
	if o.id == "" {
		o.id = sessionID(tok)
	}
	o.login = auth.NewCredential(challenge.Bearer, tok.Issuer, tok.Raw, tok.ExpiresAt, auth.WithPrincipal(o.principal))
	return build(o)
}

func sessionID(tok *jwtauth.IDToken) string {
	src := tok.WebID
	if src == "" {
		src = tok.Issuer + "|" + tok.Subject
	}
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}
