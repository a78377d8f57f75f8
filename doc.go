// Package authflow drives the sign-in page of a client application against
// an identity platform: password sign-up and sign-in, federated popup
// sign-in, phone sign-in gated by a challenge widget, one-time code
// confirmation, verification email resend and password reset with
// password linking for federated-only accounts.
//
// An [Engine] is built once per page visit through [Builder.Build]. It owns
// a [challenge.Manager] for the widget, an [Observer] that reacts to the
// shared [session.Context], and the user-visible [FlowState].
//
// # Concurrency
//
// Engine methods are safe to call from multiple goroutines. [Engine.Run]
// executes one action at a time; a call made while another is pending
// returns [ErrFlowBusy] without touching FlowState.
//
// # State outside the process
//
// The pending one-time-code confirmation and the resend throttle counters
// live in redis, keyed by the engine's flow key. Everything else is
// in-memory and dies with the engine.
package authflow
