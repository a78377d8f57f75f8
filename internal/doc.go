// Package internal contains helper utilities that are private to authflow,
// mainly secure random generation.
//
// # Sub-packages
//
//   - flows: pure-function orchestrators for every credential flow action
//   - rate: Redis fixed-window counters for the resend throttle
//   - stores: Redis store for pending one-time-code confirmations
//
// # What this package must NOT do
//
//   - Export types that appear in the public authflow API.
//   - Be imported by any package outside the authflow module.
package internal
