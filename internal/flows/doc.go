// Package flows contains pure-function orchestrators for every credential
// flow action.
//
// Each flow function (RunPasswordSignUp, RunPhoneSignIn, RunPasswordReset,
// etc.) accepts a typed dependency struct and returns a result without side
// effects beyond those dependencies. The identity platform, the challenge
// widget, the pending-confirmation store and the throttle are all reached
// through function fields, so every branch is testable with plain closures.
//
// # Architecture boundaries
//
// Flow functions decide ordering and branching: which provider call happens,
// when the challenge widget is reset, when a pending confirmation is kept or
// discarded. They do NOT own user-visible flow state (active action, error
// and success text); that stays with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import authflow (to avoid import cycles).
//   - Perform I/O directly; all I/O is mediated through dependency fields.
package flows
