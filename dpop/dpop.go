// Package dpop holds proof-of-possession key material and produces DPoP
// proof JWTs (RFC 9449) bound to individual requests.
package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// ProofType is the typ header of every proof.
const ProofType = "dpop+jwt"

var (
	// ErrUnsupportedAlgorithm is returned for algorithms outside Strength.
	ErrUnsupportedAlgorithm = errors.New("dpop: unsupported algorithm")
	// ErrKeyMismatch is returned when a key cannot sign with its algorithm.
	ErrKeyMismatch = errors.New("dpop: key does not match algorithm")
	// ErrNoKey is returned when no key is held for an algorithm.
	ErrNoKey = errors.New("dpop: no key for algorithm")
)

// Strength lists the supported algorithms, strongest first. SelectAlgorithm
// prefers earlier entries.
var Strength = []string{
	string(jose.ES512), string(jose.ES384), string(jose.ES256),
	string(jose.EdDSA),
	string(jose.PS512), string(jose.PS384), string(jose.PS256),
	string(jose.RS512), string(jose.RS384), string(jose.RS256),
}

func rank(alg string) int {
	for i, a := range Strength {
		if a == alg {
			return i
		}
	}
	return -1
}

// ByStrength returns the algorithms in algs that appear in Strength,
// strongest first.
func ByStrength(algs []string) []string {
	out := make([]string, 0, len(algs))
	for _, a := range algs {
		if rank(a) >= 0 {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

type key struct {
	alg        jose.SignatureAlgorithm
	priv       crypto.Signer
	jwk        jose.JSONWebKey
	thumbprint string
}

// Manager maps algorithms to signing keys. It is safe for concurrent use.
type Manager struct {
	now func() time.Time

	mu      sync.RWMutex
	byAlg   map[string]*key
	byThumb map[string]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time used for the iat claim.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager holding keys, indexed by algorithm name.
func NewManager(keys map[string]crypto.Signer, opts ...Option) (*Manager, error) {
	m := &Manager{
		now:     time.Now,
		byAlg:   make(map[string]*key),
		byThumb: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	for alg, priv := range keys {
		if err := m.AddKey(alg, priv); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Generate returns a Manager with a fresh key for each algorithm. With no
// arguments a single ES256 key is generated.
func Generate(algs ...string) (*Manager, error) {
	if len(algs) == 0 {
		algs = []string{string(jose.ES256)}
	}
	keys := make(map[string]crypto.Signer, len(algs))
	for _, alg := range algs {
		priv, err := GenerateKey(alg)
		if err != nil {
			return nil, err
		}
		keys[alg] = priv
	}
	return NewManager(keys)
}

// GenerateKey creates a private key suitable for alg.
func GenerateKey(alg string) (crypto.Signer, error) {
	switch jose.SignatureAlgorithm(alg) {
	case jose.ES256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case jose.ES384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case jose.ES512:
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case jose.EdDSA:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	case jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512:
		return rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}

// AddKey registers priv for alg, replacing any previous key for alg.
func (m *Manager) AddKey(alg string, priv crypto.Signer) error {
	if rank(alg) < 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	if err := checkKey(jose.SignatureAlgorithm(alg), priv); err != nil {
		return err
	}
	jwk := jose.JSONWebKey{Key: priv.Public(), Algorithm: alg, Use: "sig"}
	thumb, err := Thumbprint(jwk)
	if err != nil {
		return err
	}
	k := &key{alg: jose.SignatureAlgorithm(alg), priv: priv, jwk: jwk, thumbprint: thumb}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byAlg[alg]; ok {
		delete(m.byThumb, old.thumbprint)
	}
	m.byAlg[alg] = k
	m.byThumb[thumb] = alg
	return nil
}

func checkKey(alg jose.SignatureAlgorithm, priv crypto.Signer) error {
	switch p := priv.(type) {
	case *ecdsa.PrivateKey:
		want := map[jose.SignatureAlgorithm]elliptic.Curve{
			jose.ES256: elliptic.P256(), jose.ES384: elliptic.P384(), jose.ES512: elliptic.P521(),
		}[alg]
		if want != nil && p.Curve == want {
			return nil
		}
	case ed25519.PrivateKey:
		if alg == jose.EdDSA {
			return nil
		}
	case *rsa.PrivateKey:
		switch alg {
		case jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512:
			return nil
		}
	}
	return fmt.Errorf("%w: %s with %T", ErrKeyMismatch, alg, priv)
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of a public JWK,
// base64url encoded without padding.
func Thumbprint(jwk jose.JSONWebKey) (string, error) {
	pub := jwk.Public()
	sum, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("dpop: thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// Algorithms lists the algorithms held, strongest first.
func (m *Manager) Algorithms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byAlg))
	for alg := range m.byAlg {
		out = append(out, alg)
	}
	sort.Slice(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

// LookupThumbprint returns the thumbprint of the key held for alg.
func (m *Manager) LookupThumbprint(alg string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.byAlg[alg]
	if !ok {
		return "", false
	}
	return k.thumbprint, true
}

// LookupAlgorithm returns the algorithm of the key with thumbprint jkt.
func (m *Manager) LookupAlgorithm(jkt string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alg, ok := m.byThumb[jkt]
	return alg, ok
}

// PublicKey returns the public JWK held for alg.
func (m *Manager) PublicKey(alg string) (jose.JSONWebKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.byAlg[alg]
	if !ok {
		return jose.JSONWebKey{}, false
	}
	return k.jwk.Public(), true
}

// SelectAlgorithm returns the strongest held algorithm that also appears in
// candidates. It reports false when there is no overlap, including when
// candidates is empty.
func (m *Manager) SelectAlgorithm(candidates []string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := ""
	for _, c := range candidates {
		if _, ok := m.byAlg[c]; !ok {
			continue
		}
		if best == "" || rank(c) < rank(best) {
			best = c
		}
	}
	return best, best != ""
}

// Claims is the payload of a DPoP proof.
type Claims struct {
	ID              string `json:"jti"`
	HTTPMethod      string `json:"htm"`
	HTTPURI         string `json:"htu"`
	IssuedAt        int64  `json:"iat"`
	AccessTokenHash string `json:"ath,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
}

// GenerateProof signs a proof for a request to uri using the key held for
// alg.
func (m *Manager) GenerateProof(alg, uri, method string) (string, error) {
	return m.generate(alg, uri, method, "")
}

// GenerateBoundProof is GenerateProof with an ath claim binding the proof to
// accessToken.
func (m *Manager) GenerateBoundProof(alg, uri, method, accessToken string) (string, error) {
	return m.generate(alg, uri, method, AccessTokenHash(accessToken))
}

func (m *Manager) generate(alg, uri, method, ath string) (string, error) {
	m.mu.RLock()
	k, ok := m.byAlg[alg]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoKey, alg)
	}

	htu, err := targetURI(uri)
	if err != nil {
		return "", err
	}

	opts := (&jose.SignerOptions{EmbedJWK: true}).WithType(ProofType)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: k.alg, Key: k.priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	claims := Claims{
		ID:              uuid.NewString(),
		HTTPMethod:      method,
		HTTPURI:         htu,
		IssuedAt:        m.now().Unix(),
		AccessTokenHash: ath,
	}
	compact, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign proof: %w", err)
	}
	return compact, nil
}

// AccessTokenHash is the ath claim value for token.
func AccessTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// targetURI strips query and fragment, which htu must not carry.
func targetURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("dpop: invalid uri: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("dpop: uri must be absolute: %s", raw)
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}
