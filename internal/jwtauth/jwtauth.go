package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation of OpenID Connect ID tokens.
//
// Issuer, subject, expiry and issued-at claims are always required. Audience
// is only checked when ExpectedAudience is set. Signatures are only verified
// when a key source is configured (JWKSURI, or Issuer with Discover); without
// one the token is decoded but its signature is not checked, which is only
// appropriate for tokens obtained directly from a trusted token endpoint.
type Config struct {
	// Issuer, when set, must match the iss claim.
	Issuer string
	// Discover resolves jwks_uri from Issuer's OpenID discovery document.
	Discover bool
	// JWKSURI is a fixed JWKS location. It takes precedence over Discover.
	JWKSURI string
	// ExpectedAudience, when set, must appear in the aud claim.
	ExpectedAudience string
	AllowedAlgs      []string
	// GracePeriod tolerates clock skew on exp and iat.
	GracePeriod time.Duration
	// Now overrides the evaluation time.
	Now func() time.Time
}

// DefaultConfig returns a Config with safe defaults for algorithm and grace
// period.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256", "ES256"},
		GracePeriod: 3 * time.Minute,
	}
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// ErrUnauthorized indicates that the ID token failed validation (e.g.,
// signature, issuer, audience, exp/iat) and must not be used.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// IDToken is a validated ID token.
type IDToken struct {
	Raw       string
	Issuer    string
	Subject   string
	WebID     string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	claims    jwt.MapClaims
}

// Claims unmarshalls the token's claims into the provided struct reference.
func (t *IDToken) Claims(ref any) error {
	b, err := json.Marshal(t.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier validates ID tokens.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*IDToken, error)
}

type verifier struct {
	cfg     *Config
	keyfunc jwt.Keyfunc // nil: signature not verified
}

// NewVerifier builds a Verifier, resolving a key source as described on
// Config.
func NewVerifier(ctx context.Context, cfg *Config) (Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = DefaultConfig().AllowedAlgs
	}
	kf, err := resolveKeys(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &verifier{cfg: cfg, keyfunc: kf}, nil
}

func (v *verifier) Verify(ctx context.Context, raw string) (*IDToken, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.cfg.GracePeriod),
		jwt.WithTimeFunc(v.cfg.now),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.ExpectedAudience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.ExpectedAudience))
	}
	parser := jwt.NewParser(opts...)

	claims := jwt.MapClaims{}
	if v.keyfunc != nil {
		if _, err := parser.ParseWithClaims(raw, claims, v.keyfunc); err != nil {
			return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
		}
	} else {
		tok, _, err := parser.ParseUnverified(raw, claims)
		if err != nil {
			return nil, fmt.Errorf("%w: token parse failed: %v", ErrUnauthorized, err)
		}
		if err := checkAlg(tok, v.cfg.AllowedAlgs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		// ParseUnverified skips claim validation; run it explicitly.
		if err := jwt.NewValidator(opts...).Validate(claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}

	return fromClaims(raw, claims)
}

func checkAlg(tok *jwt.Token, algs []string) error {
	alg := tok.Method.Alg()
	allowed := false
	for _, a := range algs {
		if alg == a {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("disallowed alg: %s", alg)
	}
	return nil
}

func fromClaims(raw string, claims jwt.MapClaims) (*IDToken, error) {
	iss, _ := claims.GetIssuer()
	if iss == "" {
		return nil, fmt.Errorf("%w: missing iss", ErrUnauthorized)
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	exp, _ := claims.GetExpirationTime()
	if exp == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrUnauthorized)
	}
	iat, _ := claims.GetIssuedAt()
	if iat == nil {
		return nil, fmt.Errorf("%w: missing iat", ErrUnauthorized)
	}
	aud, _ := claims.GetAudience()
	webid, _ := claims["webid"].(string)

	return &IDToken{
		Raw:       raw,
		Issuer:    iss,
		Subject:   sub,
		WebID:     webid,
		Audience:  []string(aud),
		ExpiresAt: exp.Time,
		IssuedAt:  iat.Time,
		claims:    claims,
	}, nil
}
