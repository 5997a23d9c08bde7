// Package basic answers Basic challenges (RFC 7617) with a username and
// password.
//
// Basic sends a reusable secret with every request, so auth.DefaultPolicy
// prohibits it; a registry must allow Basic explicitly before this provider
// is consulted. The package does not register itself.
package basic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/wwwauth-go/auth"
	"github.com/ggoodman/wwwauth-go/challenge"
)

// ErrInvalidUsername is returned for usernames containing a colon.
var ErrInvalidUsername = errors.New("basic: username must not contain ':'")

// Credentials looks up the username and password for a realm. ok is false
// when there are none, in which case the challenge is declined.
type Credentials func(ctx context.Context, realm string, req auth.Request) (username, password string, ok bool)

// Static always answers with the same username and password.
func Static(username, password string) Credentials {
	return func(context.Context, string, auth.Request) (string, string, bool) {
		return username, password, true
	}
}

// Provider builds Basic authenticators.
type Provider struct {
	creds    Credentials
	priority int
}

// Option configures a Provider.
type Option func(*Provider)

func WithPriority(n int) Option {
	return func(p *Provider) { p.priority = n }
}

// New returns a Provider backed by creds. The default priority is 0.
func New(creds Credentials, opts ...Option) *Provider {
	p := &Provider{creds: creds}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Schemes() []string { return []string{challenge.Basic} }

func (p *Provider) Authenticator(ch challenge.Challenge) (auth.Authenticator, error) {
	if !ch.Is(challenge.Basic) {
		return nil, fmt.Errorf("%w: basic provider cannot serve %s", auth.ErrInvalidChallenge, ch.Scheme())
	}
	realm, _ := ch.Param("realm")
	return &authenticator{p: p, realm: realm}, nil
}

type authenticator struct {
	p     *Provider
	realm string
}

func (a *authenticator) Name() string   { return "Basic" }
func (a *authenticator) Scheme() string { return challenge.Basic }
func (a *authenticator) Priority() int  { return a.p.priority }

// Authenticate encodes the realm's username and password. The credential
// never expires and its issuer is the protected resource's origin.
func (a *authenticator) Authenticate(ctx context.Context, _ auth.Session, req auth.Request, _ []string) (*auth.Credential, error) {
	if a.p.creds == nil {
		return nil, nil
	}
	user, pass, ok := a.p.creds(ctx, a.realm, req)
	if !ok {
		return nil, nil
	}
	if strings.Contains(user, ":") {
		return nil, ErrInvalidUsername
	}
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	origin := req.URI.Scheme + "://" + req.URI.Host
	return auth.NewCredential(challenge.Basic, origin, token, time.Time{}, auth.WithPrincipal(user)), nil
}
