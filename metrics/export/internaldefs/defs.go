package internaldefs

import (
	authflow "github.com/nub-live/authflow"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for exporters.
type HistogramDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: authflow.MetricSignUpSuccess, Name: "authflow_sign_up_success_total", Help: "Accounts created by password sign-up."},
	{ID: authflow.MetricSignUpFailure, Name: "authflow_sign_up_failure_total", Help: "Password sign-ups rejected by the platform."},
	{ID: authflow.MetricSignInSuccess, Name: "authflow_sign_in_success_total", Help: "Successful password sign-ins."},
	{ID: authflow.MetricSignInFailure, Name: "authflow_sign_in_failure_total", Help: "Failed password sign-ins."},
	{ID: authflow.MetricFederatedSuccess, Name: "authflow_federated_success_total", Help: "Successful federated sign-ins."},
	{ID: authflow.MetricFederatedFailure, Name: "authflow_federated_failure_total", Help: "Failed or abandoned federated sign-ins."},
	{ID: authflow.MetricPhoneCodeSent, Name: "authflow_phone_code_sent_total", Help: "One-time codes dispatched."},
	{ID: authflow.MetricPhoneCodeFailure, Name: "authflow_phone_code_failure_total", Help: "One-time code dispatches that failed."},
	{ID: authflow.MetricChallengeRemediated, Name: "authflow_challenge_remediated_total", Help: "Phone sign-ins that had to re-initialise the challenge widget."},
	{ID: authflow.MetricChallengeFailed, Name: "authflow_challenge_failed_total", Help: "Phone sign-ins abandoned because no widget became ready."},
	{ID: authflow.MetricChallengeExpired, Name: "authflow_challenge_expired_total", Help: "Challenge widgets that expired."},
	{ID: authflow.MetricOTPConfirmSuccess, Name: "authflow_otp_confirm_success_total", Help: "Accepted one-time codes."},
	{ID: authflow.MetricOTPConfirmFailure, Name: "authflow_otp_confirm_failure_total", Help: "Rejected one-time codes."},
	{ID: authflow.MetricVerificationSent, Name: "authflow_verification_sent_total", Help: "Verification emails dispatched."},
	{ID: authflow.MetricVerificationFailure, Name: "authflow_verification_failure_total", Help: "Verification email dispatches that failed."},
	{ID: authflow.MetricResetSent, Name: "authflow_reset_sent_total", Help: "Password reset emails dispatched."},
	{ID: authflow.MetricResetFailure, Name: "authflow_reset_failure_total", Help: "Password reset dispatches that failed."},
	{ID: authflow.MetricPasswordLinked, Name: "authflow_password_linked_total", Help: "Passwords attached to federated-only accounts."},
	{ID: authflow.MetricFederatedGuidance, Name: "authflow_federated_guidance_total", Help: "Resets redirected to a federated sign-in first."},
	{ID: authflow.MetricRateLimited, Name: "authflow_rate_limited_total", Help: "Dispatches denied by the resend throttle."},
	{ID: authflow.MetricBusyRejected, Name: "authflow_busy_rejected_total", Help: "Actions rejected while another was pending."},
	{ID: authflow.MetricObserverRedirect, Name: "authflow_observer_redirect_total", Help: "Redirects of identified visitors."},
	{ID: authflow.MetricObserverSignOut, Name: "authflow_observer_sign_out_total", Help: "Anonymous sessions signed out by the observer."},
	{ID: authflow.MetricObserverAnonymousSignIn, Name: "authflow_observer_anonymous_sign_in_total", Help: "Anonymous fallback sessions started by the observer."},
}

var HistogramDefs = []HistogramDef{
	{ID: authflow.MetricFlowLatency, Name: "authflow_flow_latency_seconds", Help: "Time spent running one flow action."},
}

// HistogramUpperBounds are the bucket bounds in seconds, without +Inf.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// NormalizeBuckets copies raw into a fixed eight-bucket array.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
