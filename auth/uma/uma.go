// Package uma answers UMA challenges by exchanging the challenge's
// permission ticket at the authorization server it names.
//
// The session's login token, when it has one, is pushed as the claim token.
// When the server answers need_info, registered ClaimGatheringHandlers are
// asked for a matching claim and the exchange continues with the new ticket.
// Token requests carry a DPoP proof whenever the server advertises an
// algorithm the session holds a key for.
//
// Importing the package registers a Provider with auth.DefaultRegistry.
package uma

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/wwwauth-go/auth"
	"github.com/ggoodman/wwwauth-go/challenge"
	"github.com/ggoodman/wwwauth-go/dpop"
	"github.com/ggoodman/wwwauth-go/internal/logctx"
)

// DefaultPriority is the priority of authenticators built by New.
const DefaultPriority = 100

func init() {
	auth.Register(New())
}

// ClaimGatheringHandler supplies one kind of claim during need_info rounds.
type ClaimGatheringHandler interface {
	ClaimTokenFormat() string
	Issuer() string
	ClaimType() string
	Gather(ctx context.Context) (*ClaimToken, error)
}

// Compatible reports whether h can satisfy rc. Empty format and issuer lists
// accept anything; the claim type must always match.
func Compatible(h ClaimGatheringHandler, rc RequiredClaims) bool {
	if len(rc.ClaimTokenFormat) > 0 && !slices.Contains(rc.ClaimTokenFormat, h.ClaimTokenFormat()) {
		return false
	}
	if len(rc.Issuer) > 0 && !slices.Contains(rc.Issuer, h.Issuer()) {
		return false
	}
	return rc.ClaimType != "" && rc.ClaimType == h.ClaimType()
}

type handlers struct {
	mu   sync.RWMutex
	list []ClaimGatheringHandler
}

func (hs *handlers) add(h ClaimGatheringHandler) {
	hs.mu.Lock()
	hs.list = append(hs.list, h)
	hs.mu.Unlock()
}

// gather asks the first handler compatible with any required claim.
func (hs *handlers) gather(ctx context.Context, info NeedInfo) (*ClaimToken, error) {
	hs.mu.RLock()
	list := slices.Clone(hs.list)
	hs.mu.RUnlock()
	for _, rc := range info.RequiredClaims {
		for _, h := range list {
			if Compatible(h, rc) {
				return h.Gather(ctx)
			}
		}
	}
	return nil, nil
}

// Provider builds UMA authenticators.
type Provider struct {
	priority int
	client   *Client
	handlers *handlers
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

func WithPriority(p int) Option {
	return func(pr *Provider) { pr.priority = p }
}

// WithClient sets the UMA client. The default uses http.DefaultClient.
func WithClient(c *Client) Option {
	return func(pr *Provider) { pr.client = c }
}

// WithClaimHandlers registers claim gathering handlers.
func WithClaimHandlers(hs ...ClaimGatheringHandler) Option {
	return func(pr *Provider) {
		for _, h := range hs {
			pr.handlers.add(h)
		}
	}
}

// WithClock overrides the time credential expiry is computed from.
func WithClock(now func() time.Time) Option {
	return func(pr *Provider) { pr.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(pr *Provider) { pr.log = log }
}

func New(opts ...Option) *Provider {
	p := &Provider{priority: DefaultPriority, handlers: &handlers{}, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logctx.Wrap(p.log)
	if p.client == nil {
		p.client = NewClient(WithClientLogger(p.log))
	}
	return p
}

// AddHandler registers a claim gathering handler after construction.
func (p *Provider) AddHandler(h ClaimGatheringHandler) { p.handlers.add(h) }

func (p *Provider) Schemes() []string { return []string{challenge.UMA} }

// Authenticator requires a UMA challenge carrying as_uri and ticket.
func (p *Provider) Authenticator(ch challenge.Challenge) (auth.Authenticator, error) {
	if !ch.Is(challenge.UMA) {
		return nil, fmt.Errorf("%w: uma provider cannot serve %s", auth.ErrInvalidChallenge, ch.Scheme())
	}
	as, _ := ch.Param("as_uri")
	ticket, _ := ch.Param("ticket")
	if as == "" || ticket == "" {
		return nil, fmt.Errorf("%w: uma challenge requires as_uri and ticket", auth.ErrInvalidChallenge)
	}
	return &Authenticator{p: p, asURI: as, ticket: ticket}, nil
}

// Authenticator redeems one challenge's ticket.
type Authenticator struct {
	p      *Provider
	asURI  string
	ticket string
}

func (a *Authenticator) Name() string   { return "UMA" }
func (a *Authenticator) Scheme() string { return challenge.UMA }
func (a *Authenticator) Priority() int  { return a.p.priority }

func (a *Authenticator) Authenticate(ctx context.Context, sess auth.Session, req auth.Request, algs []string) (*auth.Credential, error) {
	meta, err := a.p.client.Metadata(ctx, a.asURI)
	if err != nil {
		return nil, err
	}

	treq := TokenRequest{Ticket: a.ticket}
	var principal string
	if login, ok := sess.Credential(ctx, auth.IDTokenType, a.asURI); ok {
		treq.ClaimToken = &ClaimToken{Token: login.Token(), Type: auth.IDTokenType}
		principal, _ = login.Principal()
	}
	if principal == "" {
		principal, _ = sess.Principal()
	}

	proofAlg, jkt := proofKey(sess, meta.DpopSigningAlgValuesSupported, algs)
	if jkt != "" {
		treq.Proof = func(r auth.Request) (string, error) { return sess.GenerateProof(jkt, r) }
	}

	started := a.p.now()
	tok, err := a.p.client.Token(ctx, meta.TokenEndpoint, treq, a.p.handlers.gather)
	if err != nil {
		return nil, err
	}

	var expiresAt time.Time
	if tok.ExpiresIn > 0 {
		expiresAt = started.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	scheme := tok.TokenType
	if scheme == "" {
		scheme = challenge.Bearer
	}
	opts := []auth.CredentialOption{auth.WithPrincipal(principal)}
	if challenge.CanonicalScheme(scheme) == challenge.DPoP && proofAlg != "" {
		opts = append(opts, auth.WithProofAlgorithm(proofAlg))
	}
	a.p.log.DebugContext(ctx, "uma token issued", slog.String("token_type", scheme), slog.String("as_uri", a.asURI))
	return auth.NewCredential(scheme, a.asURI, tok.AccessToken, expiresAt, opts...), nil
}

// proofKey picks the strongest algorithm the server accepts for DPoP that
// the session holds a key for. When the challenge listed algs, the choice is
// further limited to those.
func proofKey(sess auth.Session, serverAlgs, challengeAlgs []string) (string, string) {
	for _, alg := range dpop.ByStrength(serverAlgs) {
		if len(challengeAlgs) > 0 && !slices.Contains(challengeAlgs, alg) {
			continue
		}
		if jkt, ok := sess.SelectThumbprint([]string{alg}); ok {
			return alg, jkt
		}
	}
	return "", ""
}
