package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	authflow "github.com/nub-live/authflow"
	"github.com/nub-live/authflow/identity/memory"
	"github.com/nub-live/authflow/password"
	"github.com/nub-live/authflow/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() memory.Config {
	cfg := memory.DefaultConfig()
	cfg.SigningKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password = password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
	return cfg
}

func newPlatform(t *testing.T, opts ...memory.Option) *memory.Platform {
	t.Helper()
	p, err := memory.New(testConfig(), opts...)
	require.NoError(t, err)
	return p
}

func providerCode(t *testing.T, err error) string {
	t.Helper()
	var perr *authflow.ProviderError
	require.True(t, errors.As(err, &perr), "expected ProviderError, got %v", err)
	return perr.Code
}

func TestCreateUserSignsInAndIssuesToken(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	u, err := p.CreateUserWithPassword(ctx, "a@x.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", u.Email)
	assert.False(t, u.EmailVerified)
	assert.Equal(t, session.ProviderPassword, u.PrimaryProvider())
	assert.False(t, u.Metadata.CreationTime.IsZero())

	current := p.CurrentUser()
	require.NotNil(t, current)
	assert.Equal(t, u.UID, current.UID)

	cred := p.Credential()
	require.NotNil(t, cred)
	claims, err := p.VerifyIDToken(cred.IDToken)
	require.NoError(t, err)
	assert.Equal(t, u.UID, claims.UserID)
	assert.Equal(t, session.ProviderPassword, claims.Firebase.SignInProvider)
}

func TestCreateUserRejectsDuplicatesAndWeakPasswords(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	_, err := p.CreateUserWithPassword(ctx, "a@x.com", "secret1")
	require.NoError(t, err)

	_, err = p.CreateUserWithPassword(ctx, "A@X.com", "secret2")
	assert.ErrorIs(t, err, authflow.ErrEmailInUse)
	assert.Equal(t, "The email address is already in use by another account.", authflow.Message(err))

	_, err = p.CreateUserWithPassword(ctx, "b@x.com", "12345")
	assert.Equal(t, memory.CodeWeakPassword, providerCode(t, err))

	_, err = p.CreateUserWithPassword(ctx, "not-an-email", "secret1")
	assert.Equal(t, memory.CodeInvalidEmail, providerCode(t, err))
}

func TestSignInWithPassword(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	created, err := p.CreateUserWithPassword(ctx, "a@x.com", "secret1")
	require.NoError(t, err)
	require.NoError(t, p.SignOut(ctx))
	assert.Nil(t, p.CurrentUser())
	assert.Nil(t, p.Credential())

	_, err = p.SignInWithPassword(ctx, "a@x.com", "wrong1")
	assert.ErrorIs(t, err, authflow.ErrInvalidCredentials)

	_, err = p.SignInWithPassword(ctx, "ghost@x.com", "secret1")
	assert.ErrorIs(t, err, authflow.ErrInvalidCredentials)

	u, err := p.SignInWithPassword(ctx, "a@x.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, created.UID, u.UID)
}

func TestAuthStateListeners(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []*session.User
	unsubscribe := p.OnAuthStateChanged(func(u *session.User) {
		mu.Lock()
		seen = append(seen, u)
		mu.Unlock()
	})

	_, err := p.SignInAnonymously(ctx)
	require.NoError(t, err)
	require.NoError(t, p.SignOut(ctx))
	unsubscribe()
	_, err = p.SignInAnonymously(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Nil(t, seen[0])
	require.NotNil(t, seen[1])
	assert.True(t, seen[1].IsAnonymous)
	assert.Nil(t, seen[2])
}

func TestPopupCreatesVerifiedFederatedAccount(t *testing.T) {
	p := newPlatform(t, memory.WithConsent(func(ctx context.Context, providerID string) (memory.Identity, error) {
		return memory.Identity{Email: "fed@x.com", DisplayName: "Fed"}, nil
	}))
	ctx := context.Background()

	u, err := p.SignInWithPopup(ctx, session.ProviderGoogle)
	require.NoError(t, err)
	assert.True(t, u.EmailVerified)
	assert.Equal(t, session.ProviderGoogle, u.PrimaryProvider())

	methods, err := p.FetchSignInMethods(ctx, "FED@x.com")
	require.NoError(t, err)
	assert.Equal(t, []string{session.ProviderGoogle}, methods)

	_, err = p.SignInWithPopup(ctx, "github.com")
	assert.Equal(t, memory.CodeOperationNotAllowed, providerCode(t, err))
}

func TestPopupWithoutConsentIsClosed(t *testing.T) {
	p := newPlatform(t)

	_, err := p.SignInWithPopup(context.Background(), session.ProviderFacebook)
	assert.ErrorIs(t, err, authflow.ErrPopupClosed)
}

func TestFacebookPopupDoesNotTakeOverPasswordAccount(t *testing.T) {
	p := newPlatform(t, memory.WithConsent(func(ctx context.Context, providerID string) (memory.Identity, error) {
		return memory.Identity{Email: "a@x.com"}, nil
	}))
	ctx := context.Background()

	_, err := p.CreateUserWithPassword(ctx, "a@x.com", "secret1")
	require.NoError(t, err)

	_, err = p.SignInWithPopup(ctx, session.ProviderFacebook)
	assert.Equal(t, memory.CodeAccountExists, providerCode(t, err))

	u, err := p.SignInWithPopup(ctx, session.ProviderGoogle)
	require.NoError(t, err)
	assert.True(t, u.HasProvider(session.ProviderPassword))
	assert.True(t, u.HasProvider(session.ProviderGoogle))
	assert.True(t, u.EmailVerified)
}

func TestPhoneCodeRoundTrip(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	_, err := p.SendPhoneCode(ctx, "+8801712345678", "")
	assert.Equal(t, memory.CodeMissingAppCred, providerCode(t, err))

	_, err = p.SendPhoneCode(ctx, "01712345678", "token")
	assert.Equal(t, memory.CodeInvalidPhone, providerCode(t, err))

	vid, err := p.SendPhoneCode(ctx, "+8801712345678", "token")
	require.NoError(t, err)
	msg, ok := p.LastMessage(memory.KindSMS, "+8801712345678")
	require.True(t, ok)
	assert.Len(t, msg.Code, 6)

	_, err = p.ConfirmPhoneCode(ctx, vid, "not-it")
	assert.ErrorIs(t, err, authflow.ErrInvalidCode)

	u, err := p.ConfirmPhoneCode(ctx, vid, msg.Code)
	require.NoError(t, err)
	assert.Equal(t, "+8801712345678", u.PhoneNumber)
	assert.Equal(t, session.ProviderPhone, u.PrimaryProvider())

	_, err = p.ConfirmPhoneCode(ctx, vid, msg.Code)
	assert.ErrorIs(t, err, authflow.ErrCodeExpired, "a code is redeemed once")

	// the same number signs back into the same account
	vid, err = p.SendPhoneCode(ctx, "+8801712345678", "token")
	require.NoError(t, err)
	msg, _ = p.LastMessage(memory.KindSMS, "+8801712345678")
	again, err := p.ConfirmPhoneCode(ctx, vid, msg.Code)
	require.NoError(t, err)
	assert.Equal(t, u.UID, again.UID)
}

func TestPhoneCodeExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := newPlatform(t, memory.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	vid, err := p.SendPhoneCode(ctx, "+15550100", "token")
	require.NoError(t, err)
	msg, _ := p.LastMessage(memory.KindSMS, "+15550100")

	now = now.Add(6 * time.Minute)
	_, err = p.ConfirmPhoneCode(ctx, vid, msg.Code)
	assert.ErrorIs(t, err, authflow.ErrCodeExpired)
}

func TestEmailVerificationNeedsCurrentUser(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	u, err := p.CreateUserWithPassword(ctx, "a@x.com", "secret1")
	require.NoError(t, err)
	require.NoError(t, p.SendEmailVerification(ctx, u))

	msg, ok := p.LastMessage(memory.KindVerification, "a@x.com")
	require.True(t, ok)
	require.NoError(t, p.ApplyActionCode(msg.Code))
	assert.True(t, p.CurrentUser().EmailVerified)
	assert.Error(t, p.ApplyActionCode(msg.Code), "codes are single use")

	require.NoError(t, p.SignOut(ctx))
	err = p.SendEmailVerification(ctx, u)
	assert.ErrorIs(t, err, authflow.ErrNoSession)
}

func TestPasswordResetAndConfirm(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	err := p.SendPasswordReset(ctx, "ghost@x.com")
	assert.ErrorIs(t, err, authflow.ErrAccountNotFound)

	_, err = p.CreateUserWithPassword(ctx, "a@x.com", "secret1")
	require.NoError(t, err)
	require.NoError(t, p.SignOut(ctx))
	require.NoError(t, p.SendPasswordReset(ctx, "a@x.com"))

	msg, ok := p.LastMessage(memory.KindPasswordReset, "a@x.com")
	require.True(t, ok)
	require.NoError(t, p.ConfirmPasswordReset(msg.Code, "newsecret"))

	_, err = p.SignInWithPassword(ctx, "a@x.com", "secret1")
	assert.ErrorIs(t, err, authflow.ErrInvalidCredentials)
	_, err = p.SignInWithPassword(ctx, "a@x.com", "newsecret")
	assert.NoError(t, err)
}

func TestLinkPasswordRequiresThatSession(t *testing.T) {
	p := newPlatform(t, memory.WithConsent(func(ctx context.Context, providerID string) (memory.Identity, error) {
		return memory.Identity{Email: "fed@x.com"}, nil
	}))
	ctx := context.Background()

	fed, err := p.SignInWithPopup(ctx, session.ProviderGoogle)
	require.NoError(t, err)
	require.NoError(t, p.SignOut(ctx))

	err = p.LinkPassword(ctx, fed, "fed@x.com", "throwaway-credential")
	assert.ErrorIs(t, err, authflow.ErrNoSession)

	fed, err = p.SignInWithPopup(ctx, session.ProviderGoogle)
	require.NoError(t, err)
	require.NoError(t, p.LinkPassword(ctx, fed, "fed@x.com", "throwaway-credential"))

	methods, err := p.FetchSignInMethods(ctx, "fed@x.com")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{session.ProviderGoogle, session.ProviderPassword}, methods)

	err = p.LinkPassword(ctx, fed, "fed@x.com", "another-credential")
	assert.Equal(t, memory.CodeProviderLinked, providerCode(t, err))
}

func TestFailNextAppliesOnce(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()
	boom := &authflow.ProviderError{Code: "auth/network-request-failed", Message: "A network error has occurred."}

	p.FailNext(memory.OpAnonymous, boom)
	_, err := p.SignInAnonymously(ctx)
	assert.ErrorIs(t, err, boom)

	_, err = p.SignInAnonymously(ctx)
	assert.NoError(t, err)
}

func TestRefreshRotatesToken(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	u, err := p.SignInAnonymously(ctx)
	require.NoError(t, err)
	first := p.Credential()
	require.True(t, first.Anonymous)

	again, err := p.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, u.UID, again.UID)
	assert.NotEqual(t, first.RefreshToken, p.Credential().RefreshToken)

	_, err = p.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, authflow.ErrInvalidCredentials, "refresh tokens are single use")
}
