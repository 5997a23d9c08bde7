package auth

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Request describes the protected-resource request being authorized. The
// method and target URI are what proofs are bound to.
type Request struct {
	Method string
	URI    *url.URL
}

// NewRequest builds a Request from a method and an absolute URI.
func NewRequest(method, rawURI string) (Request, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	r := Request{Method: method, URI: u}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// RequestFromHTTP describes an outbound *http.Request.
func RequestFromHTTP(r *http.Request) (Request, error) {
	if r == nil || r.URL == nil {
		return Request{}, fmt.Errorf("%w: missing url", ErrInvalidRequest)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	u := *r.URL
	out := Request{Method: method, URI: &u}
	if err := out.Validate(); err != nil {
		return Request{}, err
	}
	return out, nil
}

// Validate checks that the request names a method and an absolute URI.
func (r Request) Validate() error {
	if r.Method == "" {
		return fmt.Errorf("%w: missing method", ErrInvalidRequest)
	}
	if r.URI == nil || !r.URI.IsAbs() || r.URI.Host == "" {
		return fmt.Errorf("%w: target uri must be absolute", ErrInvalidRequest)
	}
	return nil
}

// ResourceKey normalizes the target URI for use as a cache key: lower-cased
// scheme and host, path kept, query and fragment dropped.
func (r Request) ResourceKey() string {
	if r.URI == nil {
		return ""
	}
	u := url.URL{
		Scheme: strings.ToLower(r.URI.Scheme),
		Host:   strings.ToLower(r.URI.Host),
		Path:   r.URI.Path,
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

// Target returns the URI proofs are bound to: the request URI without query
// or fragment.
func (r Request) Target() string {
	if r.URI == nil {
		return ""
	}
	u := *r.URI
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func (r Request) String() string {
	if r.URI == nil {
		return r.Method
	}
	return r.Method + " " + r.URI.String()
}
