package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ggoodman/wwwauth-go/challenge"
	"github.com/ggoodman/wwwauth-go/internal/logctx"
)

// Negotiator selects and runs authenticators in response to a server's
// challenges.
type Negotiator struct {
	reg *Registry
	log *slog.Logger
}

// NegotiatorOption configures a Negotiator.
type NegotiatorOption func(*Negotiator)

// WithLogger sets the negotiation logger. Records carry request, session and
// attempt groups.
func WithLogger(log *slog.Logger) NegotiatorOption {
	return func(n *Negotiator) { n.log = log }
}

// NewNegotiator returns a Negotiator backed by reg, or DefaultRegistry when
// reg is nil.
func NewNegotiator(reg *Registry, opts ...NegotiatorOption) *Negotiator {
	if reg == nil {
		reg = DefaultRegistry
	}
	n := &Negotiator{reg: reg}
	for _, opt := range opts {
		opt(n)
	}
	n.log = logctx.Wrap(n.log)
	return n
}

type candidate struct {
	ch   challenge.Challenge
	auth Authenticator
	algs []string
}

// Negotiate attempts to obtain a credential for req given the challenges a
// server returned.
//
// Challenges whose scheme the session does not support are discarded. If
// none remain the result resolves absent at once. Otherwise candidates are
// tried one at a time in presentation order, skipping schemes with no
// registered authenticator, and the first credential produced wins. An
// authenticator error or decline moves on to the next candidate. The result
// resolves absent when every candidate has been exhausted.
//
// Only an invalid request descriptor, or ctx ending between candidates,
// resolves to an error.
func (n *Negotiator) Negotiate(ctx context.Context, sess Session, req Request, challenges []challenge.Challenge) *Pending {
	if err := req.Validate(); err != nil {
		return Failed(err)
	}

	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{Method: req.Method, URI: req.URI.String()})
	principal, _ := sess.Principal()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Principal: principal})

	var offered []challenge.Challenge
	for _, ch := range challenges {
		if supports(sess, ch.Scheme()) {
			offered = append(offered, ch)
		}
	}
	if len(offered) == 0 {
		n.log.DebugContext(ctx, "no supported scheme among challenges", slog.String("challenges", challenge.Format(challenges...)))
		return Resolved(nil)
	}

	var cands []candidate
	for _, ch := range offered {
		a, ok := n.reg.AuthenticatorForChallenge(ch)
		if !ok {
			n.log.DebugContext(ctx, "no authenticator for scheme", slog.String("scheme", ch.Scheme()))
			continue
		}
		cands = append(cands, candidate{ch: ch, auth: a, algs: acceptedAlgorithms(ch)})
	}
	if len(cands) == 0 {
		return Resolved(nil)
	}

	return Go(func() (*Credential, error) {
		return n.run(ctx, sess, req, cands)
	})
}

// NegotiateSync is Negotiate followed by Wait.
func (n *Negotiator) NegotiateSync(ctx context.Context, sess Session, req Request, challenges []challenge.Challenge) (*Credential, error) {
	return n.Negotiate(ctx, sess, req, challenges).Wait(ctx)
}

func (n *Negotiator) run(ctx context.Context, sess Session, req Request, cands []candidate) (*Credential, error) {
	for i, c := range cands {
		// An abandoned negotiation finishes the attempt in flight but starts
		// no new ones.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		actx := logctx.WithAttemptData(ctx, &logctx.AttemptData{
			Scheme:        c.ch.Scheme(),
			Authenticator: c.auth.Name(),
			Candidate:     i,
		})
		n.log.DebugContext(actx, "attempting authentication")

		cred, err := sess.Authenticate(actx, c.auth, req, c.algs).Wait(context.WithoutCancel(actx))
		switch {
		case err != nil:
			n.log.DebugContext(actx, "authenticator failed", slog.String("err", err.Error()))
		case cred == nil:
			n.log.DebugContext(actx, "authenticator declined")
		default:
			n.log.DebugContext(actx, "authentication succeeded")
			return cred, nil
		}
	}
	n.log.DebugContext(ctx, "no candidate produced a credential")
	return nil, nil
}

// acceptedAlgorithms splits a challenge's space-separated algs parameter.
func acceptedAlgorithms(ch challenge.Challenge) []string {
	v, ok := ch.Param("algs")
	if !ok {
		return nil
	}
	return strings.Fields(v)
}
