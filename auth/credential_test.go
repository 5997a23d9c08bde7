package auth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCredential_Expired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name string
		exp  time.Time
		want bool
	}{
		{"future", now.Add(time.Second), false},
		{"exactly now", now, true},
		{"past", now.Add(-time.Second), true},
		{"never", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCredential("Bearer", "https://as", "tok", tt.exp)
			if got := c.Expired(now); got != tt.want {
				t.Fatalf("Expired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCredential_Options(t *testing.T) {
	c := NewCredential("dpop", "https://as", "tok", time.Time{}, WithPrincipal("https://id.example/me"), WithProofAlgorithm("ES256"))
	if c.Scheme() != "DPoP" {
		t.Errorf("Scheme = %q", c.Scheme())
	}
	if p, ok := c.Principal(); !ok || p != "https://id.example/me" {
		t.Errorf("Principal = (%q, %v)", p, ok)
	}
	if a, ok := c.ProofAlgorithm(); !ok || a != "ES256" {
		t.Errorf("ProofAlgorithm = (%q, %v)", a, ok)
	}
	if _, ok := NewCredential("Bearer", "", "t", time.Time{}).Principal(); ok {
		t.Error("principal should be absent")
	}
}

func TestCredential_JSON(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	in := NewCredential("Bearer", "https://as", "tok", exp, WithPrincipal("p"), WithProofAlgorithm("ES256"))
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Credential
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Token() != "tok" || out.Issuer() != "https://as" || !out.ExpiresAt().Equal(exp) {
		t.Fatalf("decoded %+v", out)
	}
	if a, _ := out.ProofAlgorithm(); a != "ES256" {
		t.Fatalf("proof alg lost: %q", a)
	}
}

func TestRequest(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
		key     string
		target  string
	}{
		{raw: "https://Storage.Example/a/b?x=1#frag", key: "https://storage.example/a/b", target: "https://Storage.Example/a/b"},
		{raw: "https://storage.example", key: "https://storage.example/", target: "https://storage.example"},
		{raw: "/relative", wantErr: true},
		{raw: "https://%zz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			r, err := NewRequest("GET", tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("err = %v, want ErrInvalidRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := r.ResourceKey(); got != tt.key {
				t.Errorf("ResourceKey = %q, want %q", got, tt.key)
			}
			if got := r.Target(); got != tt.target {
				t.Errorf("Target = %q, want %q", got, tt.target)
			}
		})
	}
	if _, err := NewRequest("", "https://a.example/"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing method err = %v", err)
	}
}

func TestPending(t *testing.T) {
	c := NewCredential("Bearer", "", "t", time.Time{})
	if got, err := Resolved(c).Wait(context.Background()); got != c || err != nil {
		t.Fatalf("Resolved.Wait = (%v, %v)", got, err)
	}

	gate := make(chan struct{})
	p := Go(func() (*Credential, error) {
		<-gate
		return c, nil
	})
	if got, err := p.Result(); got != nil || err != nil {
		t.Fatalf("Result before resolution = (%v, %v)", got, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait on cancelled ctx = %v", err)
	}
	close(gate)
	<-p.Done()
	if got, _ := p.Result(); got != c {
		t.Fatalf("Result = %v", got)
	}
	p.resolve(nil, errors.New("late"))
	if got, err := p.Result(); got != c || err != nil {
		t.Fatal("Pending resolved twice")
	}
}
