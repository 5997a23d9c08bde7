package auth_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ggoodman/wwwauth-go/auth"
	"github.com/ggoodman/wwwauth-go/auth/authtest"
	"github.com/ggoodman/wwwauth-go/challenge"
)

func mustRequest(t *testing.T, uri string) auth.Request {
	t.Helper()
	req, err := auth.NewRequest("GET", uri)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestNegotiate_NoSchemeOverlap(t *testing.T) {
	reg := auth.NewRegistry(auth.WithPolicy(nil))
	basic := authtest.NewAuthenticator("Basic", 0, auth.NewCredential("Basic", "", "x", time.Time{}))
	uma := authtest.NewAuthenticator("UMA", 100, auth.NewCredential("Bearer", "https://as.example", "y", time.Time{}))
	reg.RegisterAuthenticator(basic)
	reg.RegisterAuthenticator(uma)

	sess := authtest.NewSession("Bearer")
	neg := auth.NewNegotiator(reg)
	challenges := challenge.Parse(`Basic realm="x", UMA as_uri="https://as.example", ticket=t`)

	p := neg.Negotiate(context.Background(), sess, mustRequest(t, "https://storage.example/r"), challenges)
	select {
	case <-p.Done():
	default:
		t.Fatal("expected immediate resolution with no scheme overlap")
	}
	cred, err := p.Result()
	if err != nil || cred != nil {
		t.Fatalf("Result = (%v, %v), want absent", cred, err)
	}
	if basic.Calls() != 0 || uma.Calls() != 0 {
		t.Fatalf("authenticators invoked: basic=%d uma=%d", basic.Calls(), uma.Calls())
	}
}

func TestNegotiate_NeverSucceedingBasic(t *testing.T) {
	reg := auth.NewRegistry(auth.WithPolicy(nil))
	basic := authtest.NeverBasic()
	reg.RegisterAuthenticator(basic)

	sess := authtest.NewSession("Basic")
	neg := auth.NewNegotiator(reg)

	cred, err := neg.NegotiateSync(context.Background(), sess, mustRequest(t, "https://storage.example/r"), challenge.Parse("Basic"))
	if err != nil {
		t.Fatalf("NegotiateSync error: %v", err)
	}
	if cred != nil {
		t.Fatalf("expected absent credential, got %v", cred)
	}
	if basic.Calls() != 1 {
		t.Fatalf("basic calls = %d, want 1", basic.Calls())
	}
	if sess.Len() != 0 {
		t.Fatalf("cache has %d entries, want 0", sess.Len())
	}
}

func TestNegotiate_ProhibitedSchemeNeverInvoked(t *testing.T) {
	reg := auth.NewRegistry()
	basic := authtest.NewAuthenticator("Basic", 0, auth.NewCredential("Basic", "", "dXNlcjpwYXNz", time.Time{}))
	reg.RegisterAuthenticator(basic)

	sess := authtest.NewSession("Basic")
	cred, err := auth.NewNegotiator(reg).NegotiateSync(context.Background(), sess, mustRequest(t, "https://storage.example/r"), challenge.Parse("Basic realm=x"))
	if err != nil || cred != nil {
		t.Fatalf("got (%v, %v), want absent", cred, err)
	}
	if basic.Calls() != 0 {
		t.Fatalf("prohibited authenticator invoked %d times", basic.Calls())
	}
}

func TestNegotiate_FirstSuccessInPresentationOrder(t *testing.T) {
	reg := auth.NewRegistry()
	failing := authtest.NewAuthenticator("UMA", 100, nil)
	failing.Err = errors.New("authorization server unavailable")
	declining := authtest.NewAuthenticator("DPoP", 50, nil)
	want := auth.NewCredential("Bearer", "https://id.example", "access", time.Now().Add(time.Hour))
	bearer := authtest.NewAuthenticator("Bearer", 10, want)
	later := authtest.NewAuthenticator("GNAP", 1000, auth.NewCredential("GNAP", "", "g", time.Time{}))
	for _, a := range []auth.Authenticator{failing, declining, bearer, later} {
		reg.RegisterAuthenticator(a)
	}

	sess := authtest.NewSession("UMA", "DPoP", "Bearer", "GNAP")
	req := mustRequest(t, "https://storage.example/r?x=1")
	headers := `UMA as_uri="https://as.example", ticket=t, DPoP algs="ES256 RS256", Bearer, GNAP`

	got, err := auth.NewNegotiator(reg).NegotiateSync(context.Background(), sess, req, challenge.Parse(headers))
	if err != nil {
		t.Fatalf("NegotiateSync: %v", err)
	}
	if got != want {
		t.Fatalf("got %v, want bearer credential", got)
	}
	if failing.Calls() != 1 || declining.Calls() != 1 || bearer.Calls() != 1 {
		t.Fatalf("calls: uma=%d dpop=%d bearer=%d", failing.Calls(), declining.Calls(), bearer.Calls())
	}
	if later.Calls() != 0 {
		t.Fatalf("candidate after the winner was invoked")
	}
	if algs := declining.Algorithms(); !reflect.DeepEqual(algs, [][]string{{"ES256", "RS256"}}) {
		t.Fatalf("dpop algs = %v", algs)
	}
	if cached, ok := sess.FromCache(context.Background(), req); !ok || cached != want {
		t.Fatalf("FromCache = (%v, %v), want winner", cached, ok)
	}
}

func TestNegotiate_SkipsUnregisteredSchemes(t *testing.T) {
	reg := auth.NewRegistry()
	want := auth.NewCredential("Bearer", "", "t", time.Time{})
	reg.RegisterAuthenticator(authtest.NewAuthenticator("Bearer", 0, want))

	sess := authtest.NewSession("GNAP", "Bearer")
	got, err := auth.NewNegotiator(reg).NegotiateSync(context.Background(), sess, mustRequest(t, "https://a.example/"), challenge.Parse("GNAP ticket=1, Bearer"))
	if err != nil || got != want {
		t.Fatalf("got (%v, %v)", got, err)
	}
}

func TestNegotiate_InvalidRequest(t *testing.T) {
	neg := auth.NewNegotiator(auth.NewRegistry())
	_, err := neg.NegotiateSync(context.Background(), authtest.NewSession("Bearer"), auth.Request{Method: "GET"}, challenge.Parse("Bearer"))
	if !errors.Is(err, auth.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestNegotiate_AbandonedStillCaches(t *testing.T) {
	reg := auth.NewRegistry()
	gate := make(chan struct{})
	want := auth.NewCredential("Bearer", "", "late", time.Time{})
	a := authtest.NewAuthenticator("Bearer", 0, want)
	a.Gate = gate
	reg.RegisterAuthenticator(a)

	sess := authtest.NewSession("Bearer")
	req := mustRequest(t, "https://storage.example/slow")

	ctx, cancel := context.WithCancel(context.Background())
	p := auth.NewNegotiator(reg).Negotiate(ctx, sess, req, challenge.Parse("Bearer"))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer waitCancel()
	if _, err := p.Wait(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v, want deadline exceeded", err)
	}
	cancel()
	close(gate)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if c, ok := sess.FromCache(context.Background(), req); ok {
			if c != want {
				t.Fatalf("cached %v, want %v", c, want)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("credential was not cached after abandonment")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNegotiate_ConcurrentCallsShareSession(t *testing.T) {
	reg := auth.NewRegistry()
	a := authtest.NewAuthenticator("Bearer", 0, auth.NewCredential("Bearer", "", "shared", time.Time{}))
	reg.RegisterAuthenticator(a)
	neg := auth.NewNegotiator(reg)
	sess := authtest.NewSession("Bearer")

	const n = 16
	pendings := make([]*auth.Pending, n)
	for i := range pendings {
		pendings[i] = neg.Negotiate(context.Background(), sess, mustRequest(t, "https://storage.example/r"), challenge.Parse("Bearer"))
	}
	for i, p := range pendings {
		c, err := p.Wait(context.Background())
		if err != nil || c == nil || c.Token() != "shared" {
			t.Fatalf("negotiation %d = (%v, %v)", i, c, err)
		}
	}
	if a.Calls() != n {
		t.Fatalf("calls = %d, want %d", a.Calls(), n)
	}
}
