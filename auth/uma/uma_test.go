package uma

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/wwwauth-go/auth"
	"github.com/ggoodman/wwwauth-go/auth/authtest"
	"github.com/ggoodman/wwwauth-go/challenge"
	"github.com/ggoodman/wwwauth-go/internal/wellknown"
)

// mockAS is a scripted UMA authorization server. Each token request is
// answered by the next entry of replies; the last entry repeats.
type mockAS struct {
	srv       *httptest.Server
	dpopAlgs  []string
	metaCalls atomic.Int32

	mu      sync.Mutex
	replies []reply
	forms   []map[string]string
	proofs  []string
}

type reply struct {
	status int
	body   any
}

func newMockAS(t *testing.T, replies ...reply) *mockAS {
	t.Helper()
	m := &mockAS{replies: replies}
	mux := http.NewServeMux()
	mux.HandleFunc(wellknown.UMAConfigurationPath, func(w http.ResponseWriter, r *http.Request) {
		m.metaCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wellknown.UMAConfiguration{
			Issuer:                        m.srv.URL,
			TokenEndpoint:                 m.srv.URL + "/token",
			GrantTypesSupported:           []string{GrantType},
			DpopSigningAlgValuesSupported: m.dpopAlgs,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		m.mu.Lock()
		m.forms = append(m.forms, form)
		m.proofs = append(m.proofs, r.Header.Get("DPoP"))
		rep := m.replies[min(len(m.forms), len(m.replies))-1]
		m.mu.Unlock()

		if s, ok := rep.body.(string); ok {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(rep.status)
			_, _ = w.Write([]byte(s))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rep.status)
		_ = json.NewEncoder(w).Encode(rep.body)
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockAS) challenge(ticket string) challenge.Challenge {
	return challenge.New("UMA", map[string]string{"as_uri": m.srv.URL, "ticket": ticket})
}

func (m *mockAS) requests() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]string(nil), m.forms...)
}

func token(tokenType string, expiresIn int64) reply {
	return reply{http.StatusOK, map[string]any{"access_token": "rpt-1", "token_type": tokenType, "expires_in": expiresIn}}
}

func needInfo(ticket, claimType string) reply {
	return reply{http.StatusForbidden, map[string]any{
		"error":         "need_info",
		"ticket":        ticket,
		"redirect_user": "https://as.example/interact",
		"required_claims": []map[string]any{{
			"claim_token_format": []string{"https://www.w3.org/TR/vc-data-model/#json-ld"},
			"claim_type":         claimType,
		}},
	}}
}

type vcHandler struct{ calls atomic.Int32 }

func (h *vcHandler) ClaimTokenFormat() string { return "https://www.w3.org/TR/vc-data-model/#json-ld" }
func (h *vcHandler) Issuer() string           { return "https://vc.example" }
func (h *vcHandler) ClaimType() string        { return "access-grant" }
func (h *vcHandler) Gather(context.Context) (*ClaimToken, error) {
	h.calls.Add(1)
	return &ClaimToken{Token: "vc-token", Type: h.ClaimTokenFormat()}, nil
}

func loggedIn(t *testing.T) (*authtest.Session, auth.Request) {
	t.Helper()
	sess := authtest.NewSession("UMA")
	sess.Agent = "https://alice.example/#me"
	req, err := auth.NewRequest("GET", "https://storage.example/private")
	if err != nil {
		t.Fatal(err)
	}
	return sess, req
}

func authenticate(t *testing.T, p *Provider, ch challenge.Challenge, sess auth.Session, req auth.Request, algs []string) (*auth.Credential, error) {
	t.Helper()
	a, err := p.Authenticator(ch)
	if err != nil {
		t.Fatalf("Authenticator: %v", err)
	}
	return a.Authenticate(context.Background(), sess, req, algs)
}

func TestProviderValidatesChallenge(t *testing.T) {
	p := New()
	tests := []challenge.Challenge{
		challenge.New("Bearer", map[string]string{"as_uri": "https://as", "ticket": "t"}),
		challenge.New("UMA", map[string]string{"ticket": "t"}),
		challenge.New("UMA", map[string]string{"as_uri": "https://as"}),
		challenge.New("UMA", map[string]string{"as_uri": "", "ticket": "t"}),
	}
	for _, ch := range tests {
		if _, err := p.Authenticator(ch); !errors.Is(err, auth.ErrInvalidChallenge) {
			t.Errorf("Authenticator(%s) err = %v", ch, err)
		}
	}
	a, err := p.Authenticator(challenge.Parse(`uma as_uri="https://as.example", ticket="t"`)[0])
	if err != nil {
		t.Fatal(err)
	}
	if a.Scheme() != "UMA" || a.Priority() != DefaultPriority {
		t.Fatalf("authenticator = %s/%d", a.Scheme(), a.Priority())
	}
}

func TestTicketExchange(t *testing.T) {
	as := newMockAS(t, token("Bearer", 300))
	now := time.Unix(1_700_000_000, 0)
	p := New(WithClock(func() time.Time { return now }))

	sess, req := loggedIn(t)
	login := auth.NewCredential("Bearer", "https://idp.example", "id-token", now.Add(time.Hour), auth.WithPrincipal("https://alice.example/#me"))
	sess.Put(auth.IDTokenType, as.srv.URL, login)

	cred, err := authenticate(t, p, as.challenge("ticket-1"), sess, req, nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if cred.Scheme() != "Bearer" || cred.Token() != "rpt-1" || cred.Issuer() != as.srv.URL {
		t.Fatalf("cred = %+v", cred)
	}
	if !cred.ExpiresAt().Equal(now.Add(300 * time.Second)) {
		t.Errorf("expiresAt = %v", cred.ExpiresAt())
	}
	if pr, _ := cred.Principal(); pr != "https://alice.example/#me" {
		t.Errorf("principal = %q", pr)
	}

	forms := as.requests()
	if len(forms) != 1 {
		t.Fatalf("token requests = %d", len(forms))
	}
	f := forms[0]
	if f["grant_type"] != GrantType || f["ticket"] != "ticket-1" || f["claim_token"] != "id-token" || f["claim_token_format"] != auth.IDTokenType {
		t.Fatalf("form = %v", f)
	}
}

func TestNoExpiry(t *testing.T) {
	as := newMockAS(t, token("Bearer", 0))
	sess, req := loggedIn(t)
	cred, err := authenticate(t, New(), as.challenge("t"), sess, req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !cred.ExpiresAt().IsZero() {
		t.Fatalf("expiresAt = %v, want none", cred.ExpiresAt())
	}
	if _, ok := as.requests()[0]["claim_token"]; ok {
		t.Fatal("claim token sent without a login")
	}
}

func TestNeedInfoGathersClaims(t *testing.T) {
	as := newMockAS(t, needInfo("ticket-2", "access-grant"), token("Bearer", 60))
	h := &vcHandler{}
	p := New(WithClaimHandlers(h))
	sess, req := loggedIn(t)

	if _, err := authenticate(t, p, as.challenge("ticket-1"), sess, req, nil); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if h.calls.Load() != 1 {
		t.Fatalf("handler calls = %d", h.calls.Load())
	}
	forms := as.requests()
	if len(forms) != 2 {
		t.Fatalf("token requests = %d", len(forms))
	}
	if forms[1]["ticket"] != "ticket-2" || forms[1]["claim_token"] != "vc-token" {
		t.Fatalf("retry form = %v", forms[1])
	}

	// A second challenge against the same server reuses cached metadata.
	if _, err := authenticate(t, p, as.challenge("ticket-3"), sess, req, nil); err != nil {
		t.Fatal(err)
	}
	if n := as.metaCalls.Load(); n != 1 {
		t.Fatalf("metadata fetched %d times", n)
	}
}

func TestNeedInfoRetryKeepsRequest(t *testing.T) {
	as := newMockAS(t, needInfo("ticket-2", "access-grant"), token("Bearer", 60))
	c := NewClient()
	h := &vcHandler{}
	mapper := func(ctx context.Context, info NeedInfo) (*ClaimToken, error) { return h.Gather(ctx) }

	req := TokenRequest{Ticket: "ticket-1", PCT: "pct-1", RPT: "rpt-0", Scopes: []string{"read", "write"}}
	if _, err := c.Token(context.Background(), as.srv.URL+"/token", req, mapper); err != nil {
		t.Fatalf("Token: %v", err)
	}
	forms := as.requests()
	if len(forms) != 2 {
		t.Fatalf("token requests = %d", len(forms))
	}
	want := map[string]string{
		"ticket":      "ticket-2",
		"pct":         "pct-1",
		"rpt":         "rpt-0",
		"scope":       "read write",
		"claim_token": "vc-token",
	}
	for k, v := range want {
		if forms[1][k] != v {
			t.Errorf("retry %s = %q, want %q", k, forms[1][k], v)
		}
	}
}

func TestNeedInfoWithoutHandler(t *testing.T) {
	as := newMockAS(t, needInfo("ticket-2", "unknown-claim"))
	p := New(WithClaimHandlers(&vcHandler{}))
	sess, req := loggedIn(t)

	_, err := authenticate(t, p, as.challenge("ticket-1"), sess, req, nil)
	if !errors.Is(err, ErrNeedInfo) {
		t.Fatalf("err = %v, want ErrNeedInfo", err)
	}
	var ni *NeedInfoError
	if !errors.As(err, &ni) || ni.NeedInfo.RedirectUser != "https://as.example/interact" || ni.NeedInfo.Ticket != "ticket-2" {
		t.Fatalf("NeedInfoError = %+v", ni)
	}
}

func TestMaxIterations(t *testing.T) {
	as := newMockAS(t, needInfo("again", "access-grant"))
	p := New(WithClaimHandlers(&vcHandler{}), WithClient(NewClient(WithMaxIterations(3))))
	sess, req := loggedIn(t)

	if _, err := authenticate(t, p, as.challenge("t"), sess, req, nil); !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("err = %v", err)
	}
	if n := len(as.requests()); n != 3 {
		t.Fatalf("token requests = %d, want 3", n)
	}
}

func TestTokenErrors(t *testing.T) {
	tests := []struct {
		name string
		rep  reply
		want error
	}{
		{"request denied", reply{http.StatusForbidden, map[string]string{"error": "request_denied"}}, ErrRequestDenied},
		{"invalid grant", reply{http.StatusBadRequest, map[string]string{"error": "invalid_grant"}}, ErrInvalidGrant},
		{"invalid scope", reply{http.StatusBadRequest, map[string]string{"error": "invalid_scope"}}, ErrInvalidScope},
		{"need_info without ticket", reply{http.StatusForbidden, map[string]string{"error": "need_info"}}, ErrRequestDenied},
		{"unknown error", reply{http.StatusBadRequest, map[string]string{"error": "server_error"}}, nil},
		{"not json", reply{http.StatusInternalServerError, "boom"}, nil},
		{"missing access token", reply{http.StatusOK, map[string]string{"token_type": "Bearer"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			as := newMockAS(t, tt.rep)
			sess, req := loggedIn(t)
			cred, err := authenticate(t, New(), as.challenge("t"), sess, req, nil)
			if err == nil || cred != nil {
				t.Fatalf("Authenticate = (%v, %v), want error", cred, err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDPoPBoundTokenRequest(t *testing.T) {
	as := newMockAS(t, token("DPoP", 60))
	as.dpopAlgs = []string{"RS256", "ES256"}
	sess, req := loggedIn(t)
	sess.Thumbprints = map[string]string{"ES256": "jkt-es256", "RS256": "jkt-rs256"}

	cred, err := authenticate(t, New(), as.challenge("t"), sess, req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if alg, ok := cred.ProofAlgorithm(); !ok || alg != "ES256" || cred.Scheme() != "DPoP" {
		t.Fatalf("cred = %s/%s", cred.Scheme(), alg)
	}
	as.mu.Lock()
	proof := as.proofs[0]
	as.mu.Unlock()
	if want := "ES256.POST." + as.srv.URL + "/token"; proof != want {
		t.Fatalf("DPoP header = %q, want %q", proof, want)
	}

	// The challenge's algs narrow the server's list.
	as2 := newMockAS(t, token("DPoP", 60))
	as2.dpopAlgs = []string{"RS256", "ES256"}
	cred, err = authenticate(t, New(), as2.challenge("t"), sess, req, []string{"RS256"})
	if err != nil {
		t.Fatal(err)
	}
	if alg, _ := cred.ProofAlgorithm(); alg != "RS256" {
		t.Fatalf("alg = %q, want RS256", alg)
	}
}

func TestCompatible(t *testing.T) {
	h := &vcHandler{}
	tests := []struct {
		name string
		rc   RequiredClaims
		want bool
	}{
		{"type only", RequiredClaims{ClaimType: "access-grant"}, true},
		{"matching format and issuer", RequiredClaims{ClaimType: "access-grant", ClaimTokenFormat: []string{h.ClaimTokenFormat()}, Issuer: []string{"https://vc.example"}}, true},
		{"wrong format", RequiredClaims{ClaimType: "access-grant", ClaimTokenFormat: []string{"jwt"}}, false},
		{"wrong issuer", RequiredClaims{ClaimType: "access-grant", Issuer: []string{"https://other.example"}}, false},
		{"no type", RequiredClaims{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compatible(h, tt.rc); got != tt.want {
				t.Fatalf("Compatible = %v, want %v", got, tt.want)
			}
		})
	}
}
