package challenge

import (
	"sort"
	"strings"
)

// Challenge is a single authentication challenge taken from a
// WWW-Authenticate header: a scheme name and its auth-params.
//
// A Challenge is immutable. The zero value is not a valid challenge; use New
// or Parse.
type Challenge struct {
	scheme string
	params map[string]string
}

// New builds a Challenge. Known schemes are canonicalized (see
// CanonicalScheme) and params are copied so later mutation of the caller's
// map has no effect.
func New(scheme string, params map[string]string) Challenge {
	c := Challenge{scheme: CanonicalScheme(scheme)}
	if len(params) > 0 {
		c.params = make(map[string]string, len(params))
		for k, v := range params {
			c.params[k] = v
		}
	}
	return c
}

// Scheme returns the (canonical) scheme name.
func (c Challenge) Scheme() string { return c.scheme }

// Param returns the value of the named parameter.
func (c Challenge) Param(name string) (string, bool) {
	v, ok := c.params[name]
	return v, ok
}

// Params returns a copy of all parameters.
func (c Challenge) Params() map[string]string {
	out := make(map[string]string, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// Len reports the number of parameters.
func (c Challenge) Len() int { return len(c.params) }

// Is reports whether the challenge uses the given scheme, ignoring case.
func (c Challenge) Is(scheme string) bool { return strings.EqualFold(c.scheme, scheme) }

// Equal reports structural equality: schemes compare case-insensitively,
// parameter sets must match exactly.
func (c Challenge) Equal(o Challenge) bool {
	if !strings.EqualFold(c.scheme, o.scheme) {
		return false
	}
	if len(c.params) != len(o.params) {
		return false
	}
	for k, v := range c.params {
		ov, ok := o.params[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders the challenge in canonical form: the scheme followed by
// quoted parameters sorted by name. Parse(c.String()) yields a challenge
// equal to c.
func (c Challenge) String() string {
	if len(c.params) == 0 {
		return c.scheme
	}
	keys := make([]string, 0, len(c.params))
	for k := range c.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(c.scheme)
	b.WriteByte(' ')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(quote(c.params[k]))
		b.WriteByte('"')
	}
	return b.String()
}

// Format renders a sequence of challenges as a single header value.
func Format(challenges ...Challenge) string {
	parts := make([]string, 0, len(challenges))
	for _, c := range challenges {
		if c.scheme == "" {
			continue
		}
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ", ")
}

// EqualAll reports whether two challenge sequences are element-wise equal.
func EqualAll(a, b []Challenge) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func quote(s string) string {
	if !strings.ContainsAny(s, `"\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
