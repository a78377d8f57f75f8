package flows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nub-live/authflow/session"
)

var (
	errMissingCredentials = errors.New("missing credentials")
	errMissingPhone       = errors.New("missing phone")
	errMissingCode        = errors.New("missing code")
	errMissingEmail       = errors.New("missing email")
	errNoPending          = errors.New("no pending")
	errChallenge          = errors.New("challenge unavailable")
	errResendNeedsSession = errors.New("resend needs session")
	errTransient          = errors.New("transient sign-in")
	errAttempts           = errors.New("attempts exceeded")
	errNotFound           = errors.New("not found")
	errAccountNotFound    = errors.New("account not found")
)

func testHooks(counts map[int]int) Hooks {
	return Hooks{
		MetricInc: func(id int) { counts[id]++ },
		Metrics: Metrics{
			SignUpSuccess: 1, SignUpFailure: 2, VerificationSent: 3, VerificationFailure: 4,
			ChallengeRemediated: 5, ChallengeFailed: 6, PhoneCodeSent: 7, PhoneCodeFailure: 8,
			OTPConfirmSuccess: 9, OTPConfirmFailure: 10, ResetSent: 11, PasswordLinked: 12,
			FederatedGuidance: 13,
		},
		Errors: Errors{
			MissingCredentials:    errMissingCredentials,
			MissingPhone:          errMissingPhone,
			MissingCode:           errMissingCode,
			MissingEmail:          errMissingEmail,
			NoPendingConfirmation: errNoPending,
			ChallengeUnavailable:  errChallenge,
			ResendNeedsSession:    errResendNeedsSession,
			TransientSignIn:       errTransient,
			OTPAttemptsExceeded:   errAttempts,
		},
	}
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func TestRunPasswordSignUpSendsVerification(t *testing.T) {
	counts := map[int]int{}
	var sentTo string
	deps := PasswordDeps{
		CreateUser: func(_ context.Context, email, _ string) (*session.User, error) {
			return &session.User{UID: "u1", Email: email}, nil
		},
		SendVerification: func(_ context.Context, u *session.User) error {
			sentTo = u.Email
			return nil
		},
		Hooks: testHooks(counts),
	}

	res, err := RunPasswordSignUp(context.Background(), " a@x.com ", "secret1", deps)
	if err != nil {
		t.Fatalf("sign-up failed: %v", err)
	}
	if !res.VerificationSent || res.User.UID != "u1" || sentTo != "a@x.com" {
		t.Fatalf("unexpected result %+v sentTo=%q", res, sentTo)
	}
	if counts[1] != 1 || counts[3] != 1 {
		t.Fatalf("unexpected metrics %v", counts)
	}

	if _, err := RunPasswordSignUp(context.Background(), "", "x", deps); !errors.Is(err, errMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}
}

func TestRunPasswordSignUpKeepsUserWhenVerificationFails(t *testing.T) {
	sendErr := errors.New("quota")
	deps := PasswordDeps{
		CreateUser: func(context.Context, string, string) (*session.User, error) {
			return &session.User{UID: "u1"}, nil
		},
		SendVerification: func(context.Context, *session.User) error { return sendErr },
		Hooks:            testHooks(map[int]int{}),
	}
	res, err := RunPasswordSignUp(context.Background(), "a@x.com", "secret1", deps)
	if !errors.Is(err, sendErr) || res.User == nil || res.VerificationSent {
		t.Fatalf("unexpected result %+v err %v", res, err)
	}
}

func phoneDeps(counts map[int]int) (*PhoneDeps, *[]string) {
	var calls []string
	deps := &PhoneDeps{
		PendingTTL:         time.Minute,
		RemediationWait:    50 * time.Millisecond,
		ChallengeActive:    func() bool { return true },
		ChallengeReady:     func() (TokenSource, bool) { return staticToken("tok"), true },
		RemediateChallenge: func() { calls = append(calls, "remediate") },
		WaitChallenge: func(ctx context.Context) (TokenSource, error) {
			calls = append(calls, "wait")
			return staticToken("tok2"), nil
		},
		ResetChallenge: func() { calls = append(calls, "reset") },
		SendCode: func(_ context.Context, phone, token string) (string, error) {
			calls = append(calls, "send:"+token)
			return "vid-1", nil
		},
		SavePending: func(_ context.Context, rec PendingRecord, _ time.Duration) error {
			calls = append(calls, "save:"+rec.VerificationID)
			return nil
		},
		Hooks: testHooks(counts),
	}
	return deps, &calls
}

func TestRunPhoneSignInWithReadyWidget(t *testing.T) {
	counts := map[int]int{}
	deps, calls := phoneDeps(counts)

	res, err := RunPhoneSignIn(context.Background(), "+8801712345678", *deps)
	if err != nil {
		t.Fatalf("phone sign-in failed: %v", err)
	}
	if res.VerificationID != "vid-1" || res.Remediated {
		t.Fatalf("unexpected result %+v", res)
	}
	want := "[send:tok save:vid-1]"
	if got := toString(*calls); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
	if counts[7] != 1 {
		t.Fatalf("expected phone code metric, got %v", counts)
	}
}

func TestRunPhoneSignInRemediatesOnce(t *testing.T) {
	counts := map[int]int{}
	deps, calls := phoneDeps(counts)
	deps.ChallengeReady = func() (TokenSource, bool) { return nil, false }
	var progress string
	deps.ReportProgress = func(msg string) { progress = msg }
	deps.ProgressMessage = "initializing"

	res, err := RunPhoneSignIn(context.Background(), "+8801712345678", *deps)
	if err != nil {
		t.Fatalf("phone sign-in failed: %v", err)
	}
	if !res.Remediated || progress != "initializing" {
		t.Fatalf("expected remediation, got %+v progress=%q", res, progress)
	}
	want := "[remediate wait send:tok2 save:vid-1]"
	if got := toString(*calls); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
}

func TestRunPhoneSignInFailsWhenWidgetNeverReady(t *testing.T) {
	counts := map[int]int{}
	deps, calls := phoneDeps(counts)
	deps.ChallengeReady = func() (TokenSource, bool) { return nil, false }
	deps.WaitChallenge = func(ctx context.Context) (TokenSource, error) {
		*calls = append(*calls, "wait")
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := RunPhoneSignIn(context.Background(), "+8801712345678", *deps)
	if !errors.Is(err, errChallenge) {
		t.Fatalf("expected challenge unavailable, got %v", err)
	}
	want := "[remediate wait]"
	if got := toString(*calls); got != want {
		t.Fatalf("calls = %s, want %s (no dispatch, no second reset)", got, want)
	}
	if counts[5] != 1 || counts[6] != 1 {
		t.Fatalf("unexpected metrics %v", counts)
	}
}

func TestRunPhoneSignInInactiveWidgetFailsAtOnce(t *testing.T) {
	counts := map[int]int{}
	deps, calls := phoneDeps(counts)
	deps.ChallengeActive = func() bool { return false }

	_, err := RunPhoneSignIn(context.Background(), "+8801712345678", *deps)
	if !errors.Is(err, errChallenge) {
		t.Fatalf("expected challenge unavailable, got %v", err)
	}
	if len(*calls) != 0 {
		t.Fatalf("inactive widget must not be reset, awaited or used, got %s", toString(*calls))
	}
	if counts[6] != 1 || counts[5] != 0 {
		t.Fatalf("unexpected metrics %v", counts)
	}
}

func TestRunPhoneSignInDispatchFailureResetsWidget(t *testing.T) {
	counts := map[int]int{}
	deps, calls := phoneDeps(counts)
	sendErr := errors.New("TOO_MANY_ATTEMPTS_TRY_LATER")
	deps.SendCode = func(context.Context, string, string) (string, error) {
		*calls = append(*calls, "send")
		return "", sendErr
	}

	if _, err := RunPhoneSignIn(context.Background(), "+8801712345678", *deps); !errors.Is(err, sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
	want := "[send reset]"
	if got := toString(*calls); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}

	if _, err := RunPhoneSignIn(context.Background(), "", *deps); !errors.Is(err, errMissingPhone) {
		t.Fatalf("expected missing phone, got %v", err)
	}
}

func otpDeps(confirmErr error) (*OTPDeps, *[]string) {
	var calls []string
	deps := &OTPDeps{
		MaxAttempts: 3,
		PeekPending: func(context.Context) (PendingRecord, error) {
			return PendingRecord{VerificationID: "vid-1", PhoneNumber: "+8801"}, nil
		},
		ConsumePending: func(_ context.Context, id string) error {
			calls = append(calls, "consume:"+id)
			return nil
		},
		RecordFailure: func(context.Context, int) error {
			calls = append(calls, "failure")
			return nil
		},
		IsNotFound: func(err error) bool { return errors.Is(err, errNotFound) },
		Confirm: func(_ context.Context, id, code string) (*session.User, error) {
			calls = append(calls, "confirm:"+id+":"+code)
			if confirmErr != nil {
				return nil, confirmErr
			}
			return &session.User{UID: "p1", PhoneNumber: "+8801"}, nil
		},
		ResetChallenge: func() { calls = append(calls, "reset") },
		Hooks:          testHooks(map[int]int{}),
	}
	return deps, &calls
}

func TestRunConfirmOTPConsumesPending(t *testing.T) {
	deps, calls := otpDeps(nil)
	user, err := RunConfirmOTP(context.Background(), "123456", *deps)
	if err != nil || user.UID != "p1" {
		t.Fatalf("confirm failed: %v", err)
	}
	want := "[confirm:vid-1:123456 consume:vid-1 reset]"
	if got := toString(*calls); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
}

func TestRunConfirmOTPWithoutPendingSkipsProvider(t *testing.T) {
	deps, calls := otpDeps(nil)
	deps.PeekPending = func(context.Context) (PendingRecord, error) { return PendingRecord{}, errNotFound }

	if _, err := RunConfirmOTP(context.Background(), "123456", *deps); !errors.Is(err, errNoPending) {
		t.Fatalf("expected no pending error, got %v", err)
	}
	if len(*calls) != 0 {
		t.Fatalf("provider must not be contacted, calls=%v", *calls)
	}
}

func TestRunConfirmOTPRejectedCodeKeepsPending(t *testing.T) {
	codeErr := errors.New("INVALID_CODE")
	deps, calls := otpDeps(codeErr)

	if _, err := RunConfirmOTP(context.Background(), "000000", *deps); !errors.Is(err, codeErr) {
		t.Fatalf("expected code error, got %v", err)
	}
	want := "[confirm:vid-1:000000 reset failure]"
	if got := toString(*calls); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}

	deps.RecordFailure = func(context.Context, int) error { return errAttempts }
	if _, err := RunConfirmOTP(context.Background(), "000000", *deps); !errors.Is(err, errAttempts) {
		t.Fatalf("expected attempts exceeded, got %v", err)
	}
}

func TestRunResendVerificationBranches(t *testing.T) {
	var calls []string
	deps := ResendDeps{
		CurrentUser: func() *session.User { return nil },
		SignIn: func(_ context.Context, email, password string) (*session.User, error) {
			calls = append(calls, "signin")
			if password != "secret1" {
				return nil, errors.New("INVALID_PASSWORD")
			}
			return &session.User{UID: "u1", Email: email}, nil
		},
		SignOut: func(context.Context) error {
			calls = append(calls, "signout")
			return nil
		},
		SendVerification: func(context.Context, *session.User) error {
			calls = append(calls, "send")
			return nil
		},
		Hooks: testHooks(map[int]int{}),
	}

	if _, err := RunResendVerification(context.Background(), "a@x.com", "", deps); !errors.Is(err, errResendNeedsSession) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("no transient session may be created, calls=%v", calls)
	}

	if _, err := RunResendVerification(context.Background(), "a@x.com", "wrong", deps); !errors.Is(err, errTransient) {
		t.Fatalf("expected transient sign-in error, got %v", err)
	}

	calls = nil
	res, err := RunResendVerification(context.Background(), "a@x.com", "secret1", deps)
	if err != nil || !res.Transient {
		t.Fatalf("unexpected transient result %+v err %v", res, err)
	}
	if got := toString(calls); got != "[signin send signout]" {
		t.Fatalf("calls = %s", got)
	}

	calls = nil
	deps.CurrentUser = func() *session.User { return &session.User{UID: "u1", Email: "a@x.com"} }
	res, err = RunResendVerification(context.Background(), "", "", deps)
	if err != nil || res.Transient {
		t.Fatalf("unexpected live result %+v err %v", res, err)
	}
	if got := toString(calls); got != "[send]" {
		t.Fatalf("calls = %s", got)
	}
}

func resetDeps(methods []string, current *session.User) (*ResetDeps, *[]string) {
	var calls []string
	deps := &ResetDeps{
		AllowPasswordLinking: true,
		FetchSignInMethods: func(context.Context, string) ([]string, error) {
			return methods, nil
		},
		CurrentUser:       func() *session.User { return current },
		NewLinkCredential: func() (string, error) { return "generated", nil },
		LinkPassword: func(_ context.Context, u *session.User, email, password string) error {
			calls = append(calls, "link:"+u.UID+":"+password)
			return nil
		},
		SendPasswordReset: func(_ context.Context, email string) error {
			calls = append(calls, "send:"+email)
			return nil
		},
		IsAccountNotFound: func(err error) bool { return errors.Is(err, errAccountNotFound) },
		Hooks:             testHooks(map[int]int{}),
	}
	return deps, &calls
}

func TestRunPasswordResetDirect(t *testing.T) {
	deps, calls := resetDeps([]string{"password"}, nil)
	res, err := RunPasswordReset(context.Background(), "a@x.com", *deps)
	if err != nil || res.Outcome != ResetSent {
		t.Fatalf("unexpected result %+v err %v", res, err)
	}
	if got := toString(*calls); got != "[send:a@x.com]" {
		t.Fatalf("calls = %s", got)
	}
}

func TestRunPasswordResetLinksMatchingFederatedSession(t *testing.T) {
	deps, calls := resetDeps([]string{"google.com"}, &session.User{UID: "g1", Email: "A@x.com"})
	res, err := RunPasswordReset(context.Background(), "a@x.com", *deps)
	if err != nil || res.Outcome != ResetLinkedAndSent {
		t.Fatalf("unexpected result %+v err %v", res, err)
	}
	if got := toString(*calls); got != "[link:g1:generated send:a@x.com]" {
		t.Fatalf("calls = %s", got)
	}
}

func TestRunPasswordResetFederatedOtherSessionNeedsSignIn(t *testing.T) {
	deps, calls := resetDeps([]string{"facebook.com"}, &session.User{UID: "o1", Email: "other@x.com"})
	res, err := RunPasswordReset(context.Background(), "a@x.com", *deps)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if res.Outcome != ResetFederatedSignInRequired || res.Provider != "facebook.com" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(*calls) != 0 {
		t.Fatalf("no linking or dispatch expected, calls=%v", *calls)
	}
}

func TestRunPasswordResetLinkingDisabledSendsDirectly(t *testing.T) {
	deps, calls := resetDeps([]string{"google.com"}, nil)
	deps.AllowPasswordLinking = false
	res, err := RunPasswordReset(context.Background(), "a@x.com", *deps)
	if err != nil || res.Outcome != ResetSent {
		t.Fatalf("unexpected result %+v err %v", res, err)
	}
	if got := toString(*calls); got != "[send:a@x.com]" {
		t.Fatalf("calls = %s", got)
	}
}

func TestRunPasswordResetAccountNotFoundIsInformational(t *testing.T) {
	deps, _ := resetDeps(nil, nil)
	deps.SendPasswordReset = func(context.Context, string) error { return errAccountNotFound }
	res, err := RunPasswordReset(context.Background(), "ghost@x.com", *deps)
	if err != nil || res.Outcome != ResetAccountNotFound {
		t.Fatalf("unexpected result %+v err %v", res, err)
	}

	if _, err := RunPasswordReset(context.Background(), " ", *deps); !errors.Is(err, errMissingEmail) {
		t.Fatalf("expected missing email, got %v", err)
	}
}

func TestFederatedOnlyProvider(t *testing.T) {
	cases := []struct {
		methods  []string
		provider string
		only     bool
	}{
		{nil, "", false},
		{[]string{"password", "google.com"}, "", false},
		{[]string{"google.com", "facebook.com"}, "google.com", true},
		{[]string{"phone"}, "", false},
	}
	for _, tc := range cases {
		p, only := federatedOnlyProvider(tc.methods)
		if p != tc.provider || only != tc.only {
			t.Fatalf("%v: got %q %v", tc.methods, p, only)
		}
	}
}

func toString(calls []string) string {
	out := "["
	for i, c := range calls {
		if i > 0 {
			out += " "
		}
		out += c
	}
	return out + "]"
}
