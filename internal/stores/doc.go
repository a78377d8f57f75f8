// Package stores provides the Redis-backed record store for pending
// one-time-code confirmations.
//
// # Design
//
// A pending confirmation is produced by a successful code dispatch and is
// keyed by the flow that requested it. The record is a versioned binary
// blob with a TTL. Consume and RecordFailure use WATCH/MULTI optimistic
// transactions with retry on contention, so a confirmation is consumed at
// most once even when two confirmations race.
//
// # What this package must NOT do
//
//   - Import authflow or any sibling internal package.
//   - Call the identity platform or decide user-visible messages.
package stores
