package auth

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ggoodman/wwwauth-go/challenge"
)

// Registry maps scheme names to the providers able to serve them.
//
// When several authenticators are available for one scheme, the highest
// Priority wins and ties go to whichever was registered first. Schemes the
// Policy prohibits are never served, even if registered.
type Registry struct {
	policy *Policy
	log    *slog.Logger

	mu      sync.RWMutex
	seq     int
	entries map[string][]registration
	// names holds each scheme's first-registered spelling.
	names map[string]string
}

type registration struct {
	seq      int
	provider Provider
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPolicy replaces the default scheme policy. A nil policy allows every
// scheme.
func WithPolicy(p *Policy) RegistryOption {
	return func(r *Registry) { r.policy = p }
}

// WithRegistryLogger sets the logger used for registration and lookup
// decisions.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry returns an empty registry governed by DefaultPolicy unless
// overridden.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		policy:  DefaultPolicy(),
		log:     slog.New(slog.DiscardHandler),
		entries: make(map[string][]registration),
		names:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.New(slog.DiscardHandler)
	}
	return r
}

// Policy returns the registry's scheme policy.
func (r *Registry) Policy() *Policy { return r.policy }

// Register adds p under each scheme it names.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	for _, s := range p.Schemes() {
		key := strings.ToLower(s)
		if _, ok := r.names[key]; !ok {
			r.names[key] = challenge.CanonicalScheme(s)
		}
		r.entries[key] = append(r.entries[key], registration{seq: r.seq, provider: p})
		r.log.Debug("registered authentication provider", slog.String("scheme", challenge.CanonicalScheme(s)))
	}
}

// RegisterAuthenticator adds a fixed authenticator that serves every
// challenge of its scheme.
func (r *Registry) RegisterAuthenticator(a Authenticator) {
	r.Register(staticProvider{a: a})
}

// AuthenticatorFor returns the best authenticator for a bare scheme.
func (r *Registry) AuthenticatorFor(scheme string) (Authenticator, bool) {
	return r.AuthenticatorForChallenge(challenge.New(scheme, nil))
}

// AuthenticatorForChallenge returns the best authenticator able to serve ch.
// Providers that reject the challenge are skipped.
func (r *Registry) AuthenticatorForChallenge(ch challenge.Challenge) (Authenticator, bool) {
	scheme := ch.Scheme()
	if !r.policy.Allows(scheme) {
		r.log.Debug("scheme prohibited by policy", slog.String("scheme", scheme))
		return nil, false
	}

	r.mu.RLock()
	regs := append([]registration(nil), r.entries[strings.ToLower(scheme)]...)
	r.mu.RUnlock()

	var (
		best    Authenticator
		bestSeq int
	)
	for _, reg := range regs {
		a, err := reg.provider.Authenticator(ch)
		if err != nil {
			r.log.Debug("provider rejected challenge", slog.String("scheme", scheme), slog.String("err", err.Error()))
			continue
		}
		if a == nil {
			continue
		}
		if best == nil || a.Priority() > best.Priority() || (a.Priority() == best.Priority() && reg.seq < bestSeq) {
			best, bestSeq = a, reg.seq
		}
	}
	return best, best != nil
}

// Schemes lists the registered schemes the policy currently allows, sorted.
// Known schemes appear in canonical form, others as first registered.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for key := range r.entries {
		if r.policy.Allows(key) {
			out = append(out, r.names[key])
		}
	}
	sort.Strings(out)
	return out
}

type staticProvider struct{ a Authenticator }

func (p staticProvider) Schemes() []string { return []string{p.a.Scheme()} }

func (p staticProvider) Authenticator(challenge.Challenge) (Authenticator, error) { return p.a, nil }

// DefaultRegistry collects providers registered at init time by the
// authenticator packages.
var DefaultRegistry = NewRegistry()

// Register adds p to DefaultRegistry.
func Register(p Provider) { DefaultRegistry.Register(p) }
