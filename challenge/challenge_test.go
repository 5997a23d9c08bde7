package challenge

import "testing"

func TestNew_CopiesParams(t *testing.T) {
	params := map[string]string{"realm": "a"}
	c := New("bearer", params)
	params["realm"] = "b"

	if v, _ := c.Param("realm"); v != "a" {
		t.Fatalf("challenge aliased caller map: realm=%q", v)
	}
	out := c.Params()
	out["realm"] = "c"
	if v, _ := c.Param("realm"); v != "a" {
		t.Fatalf("Params() leaked internal map: realm=%q", v)
	}
	if c.Scheme() != "Bearer" {
		t.Fatalf("Scheme() = %q, want Bearer", c.Scheme())
	}
}

func TestEqual(t *testing.T) {
	a := New("Newauth", map[string]string{"realm": "x"})
	b := New("NEWAUTH", map[string]string{"realm": "x"})
	c := New("Newauth", map[string]string{"realm": "y"})
	d := New("Newauth", nil)

	if !a.Equal(b) {
		t.Error("schemes should compare case-insensitively")
	}
	if a.Equal(c) {
		t.Error("different param values should not be equal")
	}
	if a.Equal(d) {
		t.Error("different param sets should not be equal")
	}
	if !d.Equal(New("newauth", map[string]string{})) {
		t.Error("nil and empty params should be equal")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		c    Challenge
		want string
	}{
		{New("bearer", nil), "Bearer"},
		{New("UMA", map[string]string{"ticket": "t", "as_uri": "https://as"}), `UMA as_uri="https://as", ticket="t"`},
		{New("Bearer", map[string]string{"error_description": `a "b"`}), `Bearer error_description="a \"b\""`},
	}
	for _, tt := range tests {
		if got := tt.c.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestCanonicalScheme(t *testing.T) {
	tests := map[string]string{
		"uma":           "UMA",
		"Uma":           "UMA",
		"dpop":          "DPoP",
		"BASIC":         "Basic",
		"gnap":          "GNAP",
		"scram-sha-256": "SCRAM-SHA-256",
		"X-Custom":      "X-Custom",
	}
	for in, want := range tests {
		if got := CanonicalScheme(in); got != want {
			t.Errorf("CanonicalScheme(%q) = %q, want %q", in, got, want)
		}
	}
	if IsKnownScheme("X-Custom") {
		t.Error("X-Custom should not be known")
	}
}
