// Package toolkit is an Identity Toolkit REST client implementing
// [authflow.IdentityPlatform].
//
// Every operation is one JSON POST to the v1 accounts API. Sign-in
// responses are completed with an accounts:lookup call so the returned
// user carries its linked providers and metadata, and the ID token claims
// are decoded through the jwt package to learn the sign-in provider.
//
// # Federated sign-in
//
// The hosted SDK's popup is replaced by an OAuth 2.0 authorization code
// flow with PKCE against the provider (golang.org/x/oauth2). The default
// [LoopbackConsent] listens on 127.0.0.1 for the redirect and hands the
// consent URL to a caller-supplied Open func. The provider's token is then
// exchanged through accounts:signInWithIdp.
//
// # Session persistence
//
// [Client.Credential] exposes the current tokens for the session.Store;
// [Client.Restore] resumes a stored credential, refreshing it through the
// secure token endpoint when it has expired.
//
// # What this package must NOT do
//
//   - Keep passwords or link credentials after the request that used them.
//   - Decide user-visible flow messages beyond the provider text.
package toolkit
