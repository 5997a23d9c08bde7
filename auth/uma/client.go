package uma

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ggoodman/wwwauth-go/auth"
	"github.com/ggoodman/wwwauth-go/internal/logctx"
	"github.com/ggoodman/wwwauth-go/internal/wellknown"
)

// GrantType is the OAuth grant type of UMA ticket exchanges.
const GrantType = "urn:ietf:params:oauth:grant-type:uma-ticket"

// DefaultMaxIterations bounds need_info rounds per token request.
const DefaultMaxIterations = 5

var (
	// ErrRequestDenied means the authorization server refused the requested
	// permissions.
	ErrRequestDenied = errors.New("uma: request denied")
	// ErrInvalidGrant means the ticket or claim token was rejected.
	ErrInvalidGrant = errors.New("uma: invalid grant")
	// ErrInvalidScope means a requested scope was rejected.
	ErrInvalidScope = errors.New("uma: invalid scope")
	// ErrNeedInfo means the server wants claims no handler could supply.
	// Such errors are *NeedInfoError values.
	ErrNeedInfo = errors.New("uma: need info")
	// ErrMaxIterations means claim gathering did not converge.
	ErrMaxIterations = errors.New("uma: claim gathering exceeded maximum iterations")
)

// ClaimToken is a pushed claim presented to the token endpoint.
type ClaimToken struct {
	Token string
	// Type is the claim_token_format, such as auth.IDTokenType.
	Type string
}

// TokenRequest is one ticket exchange.
type TokenRequest struct {
	Ticket string
	// PCT is a persisted claims token from an earlier exchange.
	PCT string
	// RPT is an existing requesting party token to upgrade.
	RPT        string
	ClaimToken *ClaimToken
	Scopes     []string
	// Proof, when set, is called before every POST and its result sent as
	// the DPoP header.
	Proof func(req auth.Request) (string, error)
}

func (r TokenRequest) form() url.Values {
	v := url.Values{}
	v.Set("grant_type", GrantType)
	v.Set("ticket", r.Ticket)
	if r.PCT != "" {
		v.Set("pct", r.PCT)
	}
	if r.RPT != "" {
		v.Set("rpt", r.RPT)
	}
	if r.ClaimToken != nil {
		v.Set("claim_token", r.ClaimToken.Token)
		v.Set("claim_token_format", r.ClaimToken.Type)
	}
	if len(r.Scopes) > 0 {
		v.Set("scope", strings.Join(r.Scopes, " "))
	}
	return v
}

// TokenResponse is a successful token endpoint response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
	PCT         string `json:"pct,omitempty"`
}

type errorResponse struct {
	Error          string           `json:"error"`
	Description    string           `json:"error_description,omitempty"`
	Ticket         string           `json:"ticket,omitempty"`
	RedirectUser   string           `json:"redirect_user,omitempty"`
	RequiredClaims []RequiredClaims `json:"required_claims,omitempty"`
}

// RequiredClaims describes one claim the authorization server asked for in
// a need_info response.
type RequiredClaims struct {
	ClaimTokenFormat []string `json:"claim_token_format,omitempty"`
	Issuer           []string `json:"issuer,omitempty"`
	ClaimType        string   `json:"claim_type,omitempty"`
	FriendlyName     string   `json:"friendly_name,omitempty"`
	Name             string   `json:"name,omitempty"`
}

// NeedInfo is the actionable part of a need_info response.
type NeedInfo struct {
	Ticket         string
	RedirectUser   string
	RequiredClaims []RequiredClaims
}

// NeedInfoError reports a need_info response no handler could answer.
type NeedInfoError struct {
	NeedInfo NeedInfo
}

func (e *NeedInfoError) Error() string {
	if e.NeedInfo.RedirectUser != "" {
		return fmt.Sprintf("%v: redirect user to %s", ErrNeedInfo, e.NeedInfo.RedirectUser)
	}
	return ErrNeedInfo.Error()
}

func (e *NeedInfoError) Unwrap() error { return ErrNeedInfo }

// ClaimMapper answers a need_info response with a claim token. A nil token
// with a nil error means no claim could be gathered.
type ClaimMapper func(ctx context.Context, info NeedInfo) (*ClaimToken, error)

// Client talks to UMA 2.0 authorization servers.
type Client struct {
	http          *http.Client
	maxIterations int
	log           *slog.Logger
	metadata      *expirable.LRU[string, *wellknown.UMAConfiguration]
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	http          *http.Client
	maxIterations int
	log           *slog.Logger
	cacheSize     int
	cacheTTL      time.Duration
}

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cfg *clientConfig) { cfg.http = c }
}

// WithMaxIterations bounds the number of token requests per exchange.
func WithMaxIterations(n int) ClientOption {
	return func(cfg *clientConfig) { cfg.maxIterations = n }
}

// WithMetadataCache sets how many authorization servers' metadata are kept
// and for how long. A zero size disables caching.
func WithMetadataCache(size int, ttl time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.cacheSize = size
		cfg.cacheTTL = ttl
	}
}

func WithClientLogger(log *slog.Logger) ClientOption {
	return func(cfg *clientConfig) { cfg.log = log }
}

// NewClient returns a Client. By default it caches metadata for 64
// authorization servers for ten minutes.
func NewClient(opts ...ClientOption) *Client {
	cfg := clientConfig{maxIterations: DefaultMaxIterations, cacheSize: 64, cacheTTL: 10 * time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Client{http: cfg.http, maxIterations: cfg.maxIterations, log: logctx.Wrap(cfg.log)}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.maxIterations <= 0 {
		c.maxIterations = DefaultMaxIterations
	}
	if cfg.cacheSize > 0 {
		c.metadata = expirable.NewLRU[string, *wellknown.UMAConfiguration](cfg.cacheSize, nil, cfg.cacheTTL)
	}
	return c
}

// Metadata discovers the configuration of the authorization server at
// asURI.
func (c *Client) Metadata(ctx context.Context, asURI string) (*wellknown.UMAConfiguration, error) {
	if c.metadata != nil {
		if m, ok := c.metadata.Get(asURI); ok {
			return m, nil
		}
	}
	var m wellknown.UMAConfiguration
	if err := wellknown.Fetch(ctx, c.http, wellknown.ConfigurationURL(asURI), &m); err != nil {
		return nil, fmt.Errorf("uma discovery: %w", err)
	}
	if m.TokenEndpoint == "" {
		return nil, fmt.Errorf("uma discovery: %s has no token_endpoint", asURI)
	}
	if c.metadata != nil {
		c.metadata.Add(asURI, &m)
	}
	return &m, nil
}

// Token exchanges a permission ticket at tokenEndpoint. need_info responses
// are answered through mapper and the exchange retried with the new ticket,
// up to the client's iteration limit.
func (c *Client) Token(ctx context.Context, tokenEndpoint string, req TokenRequest, mapper ClaimMapper) (*TokenResponse, error) {
	for i := 1; ; i++ {
		if i > c.maxIterations {
			return nil, fmt.Errorf("%w (%d)", ErrMaxIterations, c.maxIterations)
		}
		resp, info, err := c.exchange(ctx, tokenEndpoint, req)
		if err != nil || resp != nil {
			return resp, err
		}

		c.log.DebugContext(ctx, "uma need_info", slog.Int("iteration", i), slog.Int("required_claims", len(info.RequiredClaims)))
		var claim *ClaimToken
		if mapper != nil {
			if claim, err = mapper(ctx, *info); err != nil {
				return nil, fmt.Errorf("claim gathering: %w", err)
			}
		}
		if claim == nil {
			return nil, &NeedInfoError{NeedInfo: *info}
		}
		req.Ticket = info.Ticket
		req.ClaimToken = claim
	}
}

// exchange performs a single POST. It returns either a token, a need_info
// to act on, or an error.
func (c *Client) exchange(ctx context.Context, tokenEndpoint string, treq TokenRequest) (*TokenResponse, *NeedInfo, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(treq.form().Encode()))
	if err != nil {
		return nil, nil, err
	}
	hreq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hreq.Header.Set("Accept", "application/json")
	if treq.Proof != nil {
		areq, err := auth.RequestFromHTTP(hreq)
		if err != nil {
			return nil, nil, err
		}
		proof, err := treq.Proof(areq)
		if err != nil {
			return nil, nil, fmt.Errorf("dpop proof: %w", err)
		}
		hreq.Header.Set("DPoP", proof)
	}

	res, err := c.http.Do(hreq)
	if err != nil {
		return nil, nil, fmt.Errorf("uma token request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	if res.StatusCode == http.StatusOK {
		var tok TokenResponse
		if err := wellknown.DecodeJSON(res, &tok); err != nil {
			return nil, nil, fmt.Errorf("uma token response: %w", err)
		}
		if tok.AccessToken == "" {
			return nil, nil, errors.New("uma token response: missing access_token")
		}
		return &tok, nil, nil
	}

	var e errorResponse
	if err := wellknown.DecodeJSON(res, &e); err != nil || e.Error == "" {
		return nil, nil, fmt.Errorf("uma token request: unexpected status %d", res.StatusCode)
	}
	switch e.Error {
	case "need_info":
		if e.Ticket == "" {
			return nil, nil, fmt.Errorf("%w: need_info without ticket", ErrRequestDenied)
		}
		return nil, &NeedInfo{Ticket: e.Ticket, RedirectUser: e.RedirectUser, RequiredClaims: e.RequiredClaims}, nil
	case "request_denied":
		return nil, nil, ErrRequestDenied
	case "invalid_grant":
		return nil, nil, ErrInvalidGrant
	case "invalid_scope":
		return nil, nil, ErrInvalidScope
	default:
		return nil, nil, fmt.Errorf("uma token request: %s (status %d)", e.Error, res.StatusCode)
	}
}
