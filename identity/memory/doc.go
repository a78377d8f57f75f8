// Package memory is an in-process identity platform implementing
// [authflow.IdentityPlatform].
//
// Accounts live in process memory. Passwords are argon2id hashed with the
// password package, and every sign-in issues an HS256 ID token through the
// jwt package so callers exercise the same credential shape as the hosted
// platform. Messages that the hosted platform would deliver (verification
// links, reset links, SMS codes) are appended to an outbox instead.
//
// # Failure injection
//
// [Platform.FailNext] makes the next call of one operation return a given
// error. Tests and the CLI demo use it to drive failure branches.
//
// # What this package must NOT do
//
//   - Persist accounts beyond the process lifetime.
//   - Decide user-visible flow messages; errors carry provider text only.
package memory
