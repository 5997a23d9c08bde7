package challenge

import "strings"

// Well-known scheme names in their registered display form.
const (
	Basic       = "Basic"
	Bearer      = "Bearer"
	Digest      = "Digest"
	DPoP        = "DPoP"
	GNAP        = "GNAP"
	UMA         = "UMA"
	Negotiate   = "Negotiate"
	NTLM        = "NTLM"
	HOBA        = "HOBA"
	Mutual      = "Mutual"
	SCRAMSHA1   = "SCRAM-SHA-1"
	SCRAMSHA256 = "SCRAM-SHA-256"
)

var knownSchemes = func() map[string]string {
	m := map[string]string{}
	for _, s := range []string{Basic, Bearer, Digest, DPoP, GNAP, UMA, Negotiate, NTLM, HOBA, Mutual, SCRAMSHA1, SCRAMSHA256} {
		m[strings.ToLower(s)] = s
	}
	return m
}()

// CanonicalScheme maps a scheme name to its display form. Known schemes are
// matched case-insensitively ("uma", "Uma" and "UMA" all yield "UMA");
// anything else is returned unchanged.
func CanonicalScheme(s string) string {
	if c, ok := knownSchemes[strings.ToLower(s)]; ok {
		return c
	}
	return s
}

// IsKnownScheme reports whether s names a registered scheme.
func IsKnownScheme(s string) bool {
	_, ok := knownSchemes[strings.ToLower(s)]
	return ok
}

func isSchemeChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
}

func validScheme(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isSchemeChar(s[i]) {
			return false
		}
	}
	return true
}

// tchar per RFC 9110 section 5.6.2.
func isTokenChar(c byte) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func isToken68Char(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || strings.IndexByte("-._~+/", c) >= 0
}

// validToken68 checks the part of a token68 before its trailing '=' padding.
func validToken68(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isToken68Char(s[i]) {
			return false
		}
	}
	return true
}
