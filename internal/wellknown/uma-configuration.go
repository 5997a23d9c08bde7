package wellknown

import "strings"

// UMAConfigurationPath is where UMA 2.0 authorization servers publish their
// metadata.
const UMAConfigurationPath = "/.well-known/uma2-configuration"

// UMAConfiguration is the subset of UMA 2.0 authorization server metadata
// the client consumes.
type UMAConfiguration struct {
	Issuer                        string   `json:"issuer"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	JwksURI                       string   `json:"jwks_uri,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	DpopSigningAlgValuesSupported []string `json:"dpop_signing_alg_values_supported,omitempty"`
	UMAProfilesSupported          []string `json:"uma_profiles_supported,omitempty"`
	ClaimsInteractionEndpoint     string   `json:"claims_interaction_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
}

// ConfigurationURL appends UMAConfigurationPath to an authorization server
// URI.
func ConfigurationURL(asURI string) string {
	return strings.TrimRight(asURI, "/") + UMAConfigurationPath
}
