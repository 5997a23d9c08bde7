package auth

import (
	"encoding/json"
	"time"

	"github.com/ggoodman/wwwauth-go/challenge"
)

// Credential type identifiers used as the first half of a cache key.
const (
	// IDTokenType names an OpenID Connect ID token obtained at login.
	IDTokenType = "http://openid.net/specs/openid-connect-core-1_0.html#IDToken"
	// AccessTokenType names an access token negotiated for a resource.
	AccessTokenType = "urn:ietf:params:oauth:token-type:access_token"
)

// Credential is an immutable, time-bounded token produced by an
// Authenticator. Use NewCredential to build one.
type Credential struct {
	scheme    string
	issuer    string
	token     string
	expiresAt time.Time
	principal string
	proofAlg  string
}

// CredentialOption sets optional credential fields.
type CredentialOption func(*Credential)

// WithPrincipal records the agent the credential was issued to.
func WithPrincipal(p string) CredentialOption {
	return func(c *Credential) { c.principal = p }
}

// WithProofAlgorithm records that the credential is bound to a
// proof-of-possession key using alg.
func WithProofAlgorithm(alg string) CredentialOption {
	return func(c *Credential) { c.proofAlg = alg }
}

// NewCredential builds a credential. A zero expiresAt means the credential
// never expires.
func NewCredential(scheme, issuer, token string, expiresAt time.Time, opts ...CredentialOption) *Credential {
	c := &Credential{
		scheme:    challenge.CanonicalScheme(scheme),
		issuer:    issuer,
		token:     token,
		expiresAt: expiresAt,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Credential) Scheme() string       { return c.scheme }
func (c *Credential) Issuer() string       { return c.issuer }
func (c *Credential) Token() string        { return c.token }
func (c *Credential) ExpiresAt() time.Time { return c.expiresAt }

func (c *Credential) Principal() (string, bool) { return c.principal, c.principal != "" }

func (c *Credential) ProofAlgorithm() (string, bool) { return c.proofAlg, c.proofAlg != "" }

// Expired reports whether the credential is no longer usable at now. A
// credential expiring exactly at now is expired.
func (c *Credential) Expired(now time.Time) bool {
	if c.expiresAt.IsZero() {
		return false
	}
	return !c.expiresAt.After(now)
}

// TTL returns the time remaining before expiry, or zero if the credential
// never expires. Expired credentials report a negative duration.
func (c *Credential) TTL(now time.Time) time.Duration {
	if c.expiresAt.IsZero() {
		return 0
	}
	return c.expiresAt.Sub(now)
}

type credentialJSON struct {
	Scheme    string    `json:"scheme"`
	Issuer    string    `json:"issuer,omitempty"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Principal string    `json:"principal,omitempty"`
	ProofAlg  string    `json:"proof_alg,omitempty"`
}

func (c *Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(credentialJSON{
		Scheme:    c.scheme,
		Issuer:    c.issuer,
		Token:     c.token,
		ExpiresAt: c.expiresAt,
		Principal: c.principal,
		ProofAlg:  c.proofAlg,
	})
}

func (c *Credential) UnmarshalJSON(data []byte) error {
	var w credentialJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Credential{
		scheme:    challenge.CanonicalScheme(w.Scheme),
		issuer:    w.Issuer,
		token:     w.Token,
		expiresAt: w.ExpiresAt,
		principal: w.Principal,
		proofAlg:  w.ProofAlg,
	}
	return nil
}
