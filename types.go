package authflow

import (
	"context"
	"sync"

	"github.com/nub-live/authflow/session"
)

// UserRecord is the identity platform's user as seen by this package.
type UserRecord = session.User

// ActionTag names a flow action. The busy indicator is keyed on it.
type ActionTag string

const (
	ActionPasswordSignUp     ActionTag = "passwordSignUp"
	ActionPasswordSignIn     ActionTag = "passwordSignIn"
	ActionFederatedSignIn    ActionTag = "federatedSignIn"
	ActionPhoneSignIn        ActionTag = "phoneSignIn"
	ActionConfirmOTP         ActionTag = "confirmOtp"
	ActionResendVerification ActionTag = "resendVerification"
	ActionPasswordReset      ActionTag = "passwordReset"
)

// Actions lists every ActionTag in display order.
var Actions = []ActionTag{
	ActionPasswordSignUp,
	ActionPasswordSignIn,
	ActionFederatedSignIn,
	ActionPhoneSignIn,
	ActionConfirmOTP,
	ActionResendVerification,
	ActionPasswordReset,
}

// Form carries the currently entered fields. Each action reads only the
// fields it needs.
type Form struct {
	Email       string
	Password    string
	PhoneNumber string
	OTP         string
	// Provider selects the federated provider ("google.com", "facebook.com").
	Provider string
}

// Outcome tells the caller which branch an action finished in.
type Outcome string

const (
	OutcomeSignedUp                Outcome = "signed_up"
	OutcomeSignedIn                Outcome = "signed_in"
	OutcomeCodeSent                Outcome = "code_sent"
	OutcomeVerificationSent        Outcome = "verification_sent"
	OutcomeResetSent               Outcome = "reset_sent"
	OutcomeLinkedAndResetSent      Outcome = "linked_and_reset_sent"
	OutcomeFederatedSignInRequired Outcome = "federated_sign_in_required"
	OutcomeAccountNotFound         Outcome = "account_not_found"
	// OutcomeLinkContinue is a federated sign-in completed during a link
	// sub-flow: the reset step is offered again instead of finishing.
	OutcomeLinkContinue Outcome = "link_continue"
)

// Result is the outcome of a successful Run.
type Result struct {
	Action  ActionTag
	Outcome Outcome
	// Message is the text placed in FlowState.
	Message string
	// Provider is set for OutcomeFederatedSignInRequired.
	Provider string
	// Next is the action the UI should offer next, if any.
	Next ActionTag
	User *UserRecord
}

// FlowState is the controller's user-visible state. At most one of Error
// and Success is non-empty.
type FlowState struct {
	ActiveAction     ActionTag
	Error            string
	Success          string
	VerificationSent bool
	ResetSent        bool
	AwaitingOTP      bool
	// PhoneNumber is the normalised number the pending code was sent to.
	PhoneNumber string
	// Email is the email field as seeded by a deep link or a resend.
	Email string
	// LinkTarget is the email of a pending link-password sub-flow.
	LinkTarget string
	// LinkProvider is the federated provider LinkTarget must sign in with.
	LinkProvider string
}

// IdentityPlatform is the identity provider's client surface. Errors that
// carry user-visible text should be *ProviderError values; the well-known
// conditions should wrap the matching Err* sentinel.
type IdentityPlatform interface {
	CurrentUser() *UserRecord
	// OnAuthStateChanged calls fn with the current user immediately and on
	// every later change. The returned func unsubscribes.
	OnAuthStateChanged(fn func(*UserRecord)) func()

	CreateUserWithPassword(ctx context.Context, email, password string) (*UserRecord, error)
	SignInWithPassword(ctx context.Context, email, password string) (*UserRecord, error)
	SignInWithPopup(ctx context.Context, providerID string) (*UserRecord, error)
	SignInAnonymously(ctx context.Context) (*UserRecord, error)

	// SendPhoneCode dispatches a one-time code and returns the
	// verification id that ConfirmPhoneCode redeems.
	SendPhoneCode(ctx context.Context, phoneNumber, challengeToken string) (string, error)
	ConfirmPhoneCode(ctx context.Context, verificationID, code string) (*UserRecord, error)

	SendEmailVerification(ctx context.Context, user *UserRecord) error
	SendPasswordReset(ctx context.Context, email string) error
	FetchSignInMethods(ctx context.Context, email string) ([]string, error)
	// LinkPassword attaches an email/password credential to user, who must
	// be the signed-in user.
	LinkPassword(ctx context.Context, user *UserRecord, email, password string) error
	SignOut(ctx context.Context) error
}

// RouteSignal is the single "current route" string the shell navigates by.
type RouteSignal interface {
	Route() string
	Navigate(route string)
}

// MemoryRoute is an in-memory RouteSignal that records every navigation.
type MemoryRoute struct {
	mu      sync.Mutex
	current string
	history []string
}

// NewMemoryRoute returns a MemoryRoute positioned at initial.
func NewMemoryRoute(initial string) *MemoryRoute {
	return &MemoryRoute{current: initial}
}

func (r *MemoryRoute) Route() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *MemoryRoute) Navigate(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = route
	r.history = append(r.history, route)
}

// History returns every route passed to Navigate, oldest first.
func (r *MemoryRoute) History() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.history))
	copy(out, r.history)
	return out
}
