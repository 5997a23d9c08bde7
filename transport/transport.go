// Package transport provides an http.RoundTripper that answers 401
// challenges by negotiating a credential and retrying the request once.
package transport

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ggoodman/wwwauth-go/auth"
	"github.com/ggoodman/wwwauth-go/challenge"
	"github.com/ggoodman/wwwauth-go/internal/logctx"
)

// boundProofer is implemented by sessions that can bind a proof to the
// access token it accompanies.
type boundProofer interface {
	GenerateBoundProof(thumbprint string, req auth.Request, accessToken string) (string, error)
}

// Transport attaches the session's cached credentials to outgoing requests.
// When a response is a 401 with WWW-Authenticate challenges it negotiates a
// new credential and, if one is obtained, replays the request with it.
type Transport struct {
	base   http.RoundTripper
	sess   auth.Session
	neg    *auth.Negotiator
	parser *challenge.Parser
	log    *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// New wraps base, which defaults to http.DefaultTransport. A nil negotiator
// uses auth.DefaultRegistry.
func New(base http.RoundTripper, sess auth.Session, neg *auth.Negotiator, opts ...Option) *Transport {
	t := &Transport{base: base, sess: sess, neg: neg}
	for _, opt := range opts {
		opt(t)
	}
	if t.base == nil {
		t.base = http.DefaultTransport
	}
	if t.neg == nil {
		t.neg = auth.NewNegotiator(nil, auth.WithLogger(t.log))
	}
	t.log = logctx.Wrap(t.log)
	t.parser = challenge.NewParser(t.log)
	return t
}

// Client returns an http.Client using t.
func (t *Transport) Client() *http.Client { return &http.Client{Transport: t} }

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	areq, err := auth.RequestFromHTTP(req)
	if err != nil {
		return nil, err
	}
	ctx := logctx.WithRequestData(req.Context(), &logctx.RequestData{Method: areq.Method, URI: areq.Target()})

	out := req.Clone(req.Context())
	if cred, ok := t.sess.FromCache(ctx, areq); ok {
		if err := t.authorize(out, areq, cred); err != nil {
			return nil, err
		}
	}
	resp, err := t.base.RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	chs := t.parser.ParseAll(resp.Header.Values("WWW-Authenticate")...)
	if len(chs) == 0 {
		return resp, nil
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		t.log.DebugContext(ctx, "request body cannot be replayed; not negotiating")
		return resp, nil
	}

	cred, err := t.neg.NegotiateSync(ctx, t.sess, areq, chs)
	if err != nil {
		discard(resp)
		return nil, err
	}
	if cred == nil {
		return resp, nil
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			discard(resp)
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		retry.Body = body
	}
	if err := t.authorize(retry, areq, cred); err != nil {
		discard(resp)
		return nil, err
	}
	discard(resp)
	t.log.DebugContext(ctx, "retrying with negotiated credential", slog.String("scheme", cred.Scheme()))
	return t.base.RoundTrip(retry)
}

// authorize sets the Authorization header, and a DPoP proof for credentials
// bound to a proof key.
func (t *Transport) authorize(r *http.Request, areq auth.Request, cred *auth.Credential) error {
	r.Header.Set("Authorization", cred.Scheme()+" "+cred.Token())
	alg, ok := cred.ProofAlgorithm()
	if !ok {
		return nil
	}
	jkt, ok := t.sess.SelectThumbprint([]string{alg})
	if !ok {
		return fmt.Errorf("%w: no %s key for credential", auth.ErrUnknownThumbprint, alg)
	}
	var proof string
	var err error
	if bp, ok := t.sess.(boundProofer); ok {
		proof, err = bp.GenerateBoundProof(jkt, areq, cred.Token())
	} else {
		proof, err = t.sess.GenerateProof(jkt, areq)
	}
	if err != nil {
		return err
	}
	r.Header.Set("DPoP", proof)
	return nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}
