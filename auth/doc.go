// Package auth negotiates credentials in response to WWW-Authenticate
// challenges.
//
// The moving parts are small. An Authenticator knows how to obtain a
// credential for one scheme. Providers build authenticators per challenge
// and are collected in a Registry, which applies a scheme Policy (Basic and
// Digest are prohibited by default). A Session holds the caller's identity,
// the schemes it is willing to attempt and a credential cache. The
// Negotiator ties them together.
//
// Example:
//
//	reg := auth.NewRegistry()
//	reg.Register(uma.New())
//	neg := auth.NewNegotiator(reg, auth.WithLogger(logger))
//
//	res, _ := http.DefaultClient.Do(httpReq)
//	if res.StatusCode == http.StatusUnauthorized {
//	    req, _ := auth.RequestFromHTTP(httpReq)
//	    cred, err := neg.NegotiateSync(ctx, sess, req, challenge.FromHeader(res.Header))
//	    if err != nil { /* invalid request */ }
//	    if cred == nil { /* no usable credential */ }
//	}
//
// # Negotiation
//
// Challenges are filtered to the schemes the session supports. If nothing
// remains, negotiation resolves absent without invoking any authenticator.
// The remaining candidates are tried one at a time in the order the server
// presented them, and the first credential produced wins. Failures and
// declines from one candidate never abort the negotiation.
//
// # Policy
//
// Policies can be loaded from YAML:
//
//	prohibited: [NTLM]
//	allowed: [Basic]
//
// and kept current with WatchPolicyFile.
//
// # Errors
//
// ErrInvalidRequest is the only error negotiation reports for a caller
// mistake. "No usable credential" is an absent result, not an error;
// ErrNoCredential exists for callers that want to surface it as one.
package auth
