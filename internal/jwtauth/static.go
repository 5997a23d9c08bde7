package jwtauth

import (
	"context"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// resolveKeys picks the configured key source. A nil Keyfunc means no
// signature verification.
func resolveKeys(ctx context.Context, cfg *Config) (jwt.Keyfunc, error) {
	jwksURI := cfg.JWKSURI
	if jwksURI == "" && cfg.Discover {
		if cfg.Issuer == "" {
			return nil, fmt.Errorf("issuer is required for discovery")
		}
		uri, err := discoverJWKS(ctx, cfg.Issuer)
		if err != nil {
			return nil, err
		}
		jwksURI = uri
	}
	if jwksURI == "" {
		return nil, nil
	}

	// Auto-refreshing JWKS
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return func(t *jwt.Token) (any, error) {
		if err := checkAlg(t, cfg.AllowedAlgs); err != nil {
			return nil, err
		}
		return kf.Keyfunc(t)
	}, nil
}

// discoverJWKS reads jwks_uri from the issuer's OpenID discovery document.
func discoverJWKS(ctx context.Context, issuer string) (string, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return "", fmt.Errorf("discovery incomplete: missing jwks_uri")
	}
	return meta.JwksURI, nil
}
