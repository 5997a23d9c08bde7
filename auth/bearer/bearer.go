// Package bearer answers Bearer and DPoP challenges with the session's
// OpenID login token.
//
// Importing the package registers a Provider with auth.DefaultRegistry.
//
// When a challenge carries a resource_metadata parameter (RFC 9728) the
// resource's metadata document is consulted first: a login token from an
// issuer the resource does not list is not offered, Bearer is not offered to
// resources that require DPoP-bound tokens, and the resource's advertised
// DPoP algorithms stand in for a missing algs parameter.
package bearer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/wwwauth-go/auth"
	"github.com/ggoodman/wwwauth-go/challenge"
	"github.com/ggoodman/wwwauth-go/dpop"
	"github.com/ggoodman/wwwauth-go/internal/logctx"
	"github.com/ggoodman/wwwauth-go/internal/wellknown"
)

// DefaultPriority is the priority of authenticators built by New.
const DefaultPriority = 50

func init() {
	auth.Register(New())
}

// Provider builds Bearer and DPoP authenticators.
type Provider struct {
	priority int
	client   *http.Client
	log      *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

func WithPriority(p int) Option {
	return func(pr *Provider) { pr.priority = p }
}

// WithHTTPClient sets the client used to fetch resource metadata.
func WithHTTPClient(c *http.Client) Option {
	return func(pr *Provider) { pr.client = c }
}

func WithLogger(log *slog.Logger) Option {
	return func(pr *Provider) { pr.log = log }
}

func New(opts ...Option) *Provider {
	p := &Provider{priority: DefaultPriority}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	p.log = logctx.Wrap(p.log)
	return p
}

func (p *Provider) Schemes() []string { return []string{challenge.Bearer, challenge.DPoP} }

func (p *Provider) Authenticator(ch challenge.Challenge) (auth.Authenticator, error) {
	if !ch.Is(challenge.Bearer) && !ch.Is(challenge.DPoP) {
		return nil, fmt.Errorf("%w: bearer provider cannot serve %s", auth.ErrInvalidChallenge, ch.Scheme())
	}
	metadataURL, _ := ch.Param("resource_metadata")
	return &Authenticator{
		scheme:      challenge.CanonicalScheme(ch.Scheme()),
		priority:    p.priority,
		metadataURL: metadataURL,
		client:      p.client,
		log:         p.log,
	}, nil
}

// Authenticator presents the login token for one challenge.
type Authenticator struct {
	scheme      string
	priority    int
	metadataURL string
	client      *http.Client
	log         *slog.Logger
}

func (a *Authenticator) Name() string  { return "OpenID" }
func (a *Authenticator) Scheme() string { return a.scheme }
func (a *Authenticator) Priority() int  { return a.priority }

// Authenticate declines when the session holds no live login token, or when
// the resource's metadata rules the token out. Failing to fetch metadata
// that the challenge pointed at is an error.
func (a *Authenticator) Authenticate(ctx context.Context, sess auth.Session, req auth.Request, algs []string) (*auth.Credential, error) {
	login, ok := sess.Credential(ctx, auth.IDTokenType, req.ResourceKey())
	if !ok {
		a.log.DebugContext(ctx, "no login token")
		return nil, nil
	}

	var meta *wellknown.ProtectedResourceMetadata
	if a.metadataURL != "" {
		meta = &wellknown.ProtectedResourceMetadata{}
		if err := wellknown.Fetch(ctx, a.client, a.metadataURL, meta); err != nil {
			return nil, fmt.Errorf("resource metadata: %w", err)
		}
		if !trusts(meta, login.Issuer()) {
			a.log.DebugContext(ctx, "resource does not trust login issuer", slog.String("issuer", login.Issuer()))
			return nil, nil
		}
	}

	principal, _ := login.Principal()
	if a.scheme == challenge.Bearer {
		if meta != nil && meta.DpopBoundAccessTokensRequired {
			a.log.DebugContext(ctx, "resource requires dpop-bound tokens")
			return nil, nil
		}
		return auth.NewCredential(challenge.Bearer, login.Issuer(), login.Token(), login.ExpiresAt(), auth.WithPrincipal(principal)), nil
	}

	if len(algs) == 0 && meta != nil {
		algs = meta.DpopSigningAlgValuesSupported
	}
	if len(algs) == 0 {
		// No algs parameter: the resource accepts any algorithm.
		algs = dpop.Strength
	}
	for _, alg := range dpop.ByStrength(algs) {
		if _, ok := sess.SelectThumbprint([]string{alg}); ok {
			return auth.NewCredential(challenge.DPoP, login.Issuer(), login.Token(), login.ExpiresAt(),
				auth.WithPrincipal(principal), auth.WithProofAlgorithm(alg)), nil
		}
	}
	a.log.DebugContext(ctx, "no proof key for accepted algorithms", slog.String("algs", strings.Join(algs, " ")))
	return nil, nil
}

func trusts(meta *wellknown.ProtectedResourceMetadata, issuer string) bool {
	if len(meta.AuthorizationServers) == 0 {
		return true
	}
	for _, as := range meta.AuthorizationServers {
		if strings.TrimRight(as, "/") == strings.TrimRight(issuer, "/") {
			return true
		}
	}
	return false
}
