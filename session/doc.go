// Package session models the signed-in user as the identity platform reports
// it and publishes that model to the rest of the flow.
//
// # Shared session context
//
// [Context] holds the latest [State] snapshot. The identity platform's auth
// listener calls [Context.Update]; observers and the credential flow read
// [Context.Snapshot] or receive snapshots from [Context.Subscribe]. The
// context starts in the loading state until the first report arrives.
//
// # Credential persistence
//
// [Store] keeps the platform credential (ID token, refresh token) for a
// named profile in Redis using a compact versioned binary encoding, so that
// a CLI invocation can resume the session created by a previous one.
//
// # What this package must NOT do
//
//   - Import authflow or any identity platform implementation.
//   - Decide redirects or sign-outs; those belong to the session observer.
package session
