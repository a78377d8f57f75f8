// Package rate provides Redis fixed-window counters that throttle outbound
// verification, reset and phone-code messages per recipient.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefixes:
//   - afr:v: verification email per address
//   - afr:r: password reset email per address
//   - afr:p: phone code per number
//
// # What this package must NOT do
//
//   - Decide user-visible messages.
//   - Be imported outside the authflow module.
package rate
