// Package challenge manages the lifecycle of the bot-verification widget that
// gates phone sign-in.
//
// A [Manager] owns at most one live widget [Handle]. All creation, render
// and teardown work runs on a single loop goroutine, so reset requests
// issued from any goroutine (user actions, the widget's own expiry callback,
// dispatch failures) are applied one at a time: each increment of the reset
// counter produces exactly one teardown+recreate cycle and cycles never
// overlap.
//
// # Lifecycle
//
//	Unmounted -> Initializing -> Ready -> Expired -> (reset) -> Initializing
//	                 any state -> Destroyed on deactivate, reset or Close
//
// Teardown is best effort: the provider reset, handle release and mount
// clear each run even if an earlier step failed, and failures are logged
// and swallowed.
package challenge
