package authflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nub-live/authflow/challenge"
	"github.com/nub-live/authflow/challenge/emulator"
	"github.com/nub-live/authflow/session"
	"github.com/redis/go-redis/v9"
)

type fakeAccount struct {
	user     *UserRecord
	password string
	methods  []string
}

// fakePlatform is an in-memory IdentityPlatform that records every call.
type fakePlatform struct {
	mu        sync.Mutex
	current   *UserRecord
	listeners map[int]func(*UserRecord)
	nextSub   int
	nextID    int
	accounts  map[string]*fakeAccount
	codes     map[string]string
	calls     map[string]int

	verifications []string
	resets        []string
	links         []string
	phoneTokens   []string

	// popupEmail is the account a federated popup signs in as.
	popupEmail    string
	signInGate    chan struct{}
	sendCodeErr   error
	sendVerifyErr error
	lookupErr     error
	onSendCode    func()
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		listeners: make(map[int]func(*UserRecord)),
		accounts:  make(map[string]*fakeAccount),
		codes:     make(map[string]string),
		calls:     make(map[string]int),
	}
}

func (p *fakePlatform) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

func (p *fakePlatform) record(name string) {
	p.calls[name]++
}

// addAccount registers an account whose methods are given explicitly.
func (p *fakePlatform) addAccount(email, password string, verified bool, methods ...string) *UserRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	u := &UserRecord{
		UID:           fmt.Sprintf("uid-%d", p.nextID),
		Email:         email,
		EmailVerified: verified,
	}
	for _, m := range methods {
		u.ProviderData = append(u.ProviderData, session.ProviderEntry{ProviderID: m, UID: u.UID, Email: email})
	}
	p.accounts[strings.ToLower(email)] = &fakeAccount{user: u, password: password, methods: methods}
	return u.Clone()
}

func (p *fakePlatform) setCurrent(u *UserRecord) {
	p.mu.Lock()
	p.current = u.Clone()
	fns := make([]func(*UserRecord), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(u.Clone())
	}
}

func (p *fakePlatform) CurrentUser() *UserRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Clone()
}

func (p *fakePlatform) OnAuthStateChanged(fn func(*UserRecord)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.listeners[id] = fn
	current := p.current.Clone()
	p.mu.Unlock()

	fn(current)
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *fakePlatform) CreateUserWithPassword(ctx context.Context, email, password string) (*UserRecord, error) {
	p.mu.Lock()
	p.record("create")
	if _, ok := p.accounts[strings.ToLower(email)]; ok {
		p.mu.Unlock()
		return nil, &ProviderError{Code: "auth/email-already-in-use", Message: "The email address is already in use by another account.", Err: ErrEmailInUse}
	}
	p.mu.Unlock()

	u := p.addAccount(email, password, false, session.ProviderPassword)
	p.setCurrent(u)
	return u, nil
}

func (p *fakePlatform) SignInWithPassword(ctx context.Context, email, password string) (*UserRecord, error) {
	p.mu.Lock()
	p.record("signIn")
	gate := p.signInGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	acct, ok := p.accounts[strings.ToLower(email)]
	if !ok || acct.password == "" || acct.password != password {
		p.mu.Unlock()
		return nil, &ProviderError{Code: "auth/wrong-password", Message: "The password is invalid.", Err: ErrInvalidCredentials}
	}
	u := acct.user.Clone()
	p.mu.Unlock()

	p.setCurrent(u)
	return u, nil
}

func (p *fakePlatform) SignInWithPopup(ctx context.Context, providerID string) (*UserRecord, error) {
	p.mu.Lock()
	p.record("popup:" + providerID)
	email := p.popupEmail
	acct, ok := p.accounts[strings.ToLower(email)]
	p.mu.Unlock()

	if email == "" {
		return nil, &ProviderError{Code: "auth/popup-closed-by-user", Message: "The popup has been closed by the user.", Err: ErrPopupClosed}
	}
	var u *UserRecord
	if ok {
		u = acct.user.Clone()
	} else {
		u = p.addAccount(email, "", true, providerID)
	}
	p.setCurrent(u)
	return u, nil
}

func (p *fakePlatform) SignInAnonymously(ctx context.Context) (*UserRecord, error) {
	p.mu.Lock()
	p.record("anonymous")
	p.nextID++
	u := &UserRecord{UID: fmt.Sprintf("anon-%d", p.nextID), IsAnonymous: true}
	p.mu.Unlock()

	p.setCurrent(u)
	return u.Clone(), nil
}

func (p *fakePlatform) SendPhoneCode(ctx context.Context, phoneNumber, challengeToken string) (string, error) {
	p.mu.Lock()
	p.record("sendCode")
	p.phoneTokens = append(p.phoneTokens, challengeToken)
	hook := p.onSendCode
	err := p.sendCodeErr
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	vid := fmt.Sprintf("vid-%d", p.nextID)
	p.codes[vid] = "123456|" + phoneNumber
	return vid, nil
}

func (p *fakePlatform) ConfirmPhoneCode(ctx context.Context, verificationID, code string) (*UserRecord, error) {
	p.mu.Lock()
	p.record("confirm")
	entry, ok := p.codes[verificationID]
	p.mu.Unlock()

	want, phone, _ := strings.Cut(entry, "|")
	if !ok || code != want {
		return nil, &ProviderError{Code: "auth/invalid-verification-code", Message: "The verification code is invalid.", Err: ErrInvalidCode}
	}

	p.mu.Lock()
	p.nextID++
	u := &UserRecord{
		UID:          fmt.Sprintf("uid-%d", p.nextID),
		PhoneNumber:  phone,
		ProviderData: []session.ProviderEntry{{ProviderID: session.ProviderPhone}},
	}
	p.mu.Unlock()

	p.setCurrent(u)
	return u.Clone(), nil
}

func (p *fakePlatform) SendEmailVerification(ctx context.Context, user *UserRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("sendVerification")
	if user == nil {
		return ErrNoSession
	}
	if p.sendVerifyErr != nil {
		return p.sendVerifyErr
	}
	p.verifications = append(p.verifications, user.Email)
	return nil
}

func (p *fakePlatform) SendPasswordReset(ctx context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("sendReset")
	if _, ok := p.accounts[strings.ToLower(email)]; !ok {
		return &ProviderError{Code: "auth/user-not-found", Err: ErrAccountNotFound}
	}
	p.resets = append(p.resets, email)
	return nil
}

func (p *fakePlatform) FetchSignInMethods(ctx context.Context, email string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("lookup")
	if p.lookupErr != nil {
		return nil, p.lookupErr
	}
	acct, ok := p.accounts[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), acct.methods...), nil
}

func (p *fakePlatform) LinkPassword(ctx context.Context, user *UserRecord, email, password string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("link")
	if p.current == nil || user == nil || p.current.UID != user.UID {
		return &ProviderError{Code: "auth/requires-recent-login", Err: ErrNoSession}
	}
	acct := p.accounts[strings.ToLower(email)]
	if acct == nil {
		return ErrAccountNotFound
	}
	acct.password = password
	acct.methods = append(acct.methods, session.ProviderPassword)
	p.links = append(p.links, email)
	return nil
}

func (p *fakePlatform) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.record("signOut")
	p.mu.Unlock()
	p.setCurrent(nil)
	return nil
}

// countingProvider wraps the emulator and counts widget creations.
type countingProvider struct {
	*emulator.Provider
	mu        sync.Mutex
	created   int
	createErr error
}

func (p *countingProvider) Create(mount challenge.Mount, opts challenge.Options) (challenge.Handle, error) {
	p.mu.Lock()
	p.created++
	err := p.createErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.Provider.Create(mount, opts)
}

func (p *countingProvider) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Challenge.SettleDelay = 5 * time.Millisecond
	cfg.Flow.RemediationWait = time.Second
	cfg.Observer.RedirectDelay = time.Millisecond
	cfg.Metrics.Enabled = true
	return cfg
}

type testEngine struct {
	*Engine
	platform *fakePlatform
	provider *countingProvider
	route    *MemoryRoute
	redis    *miniredis.Miniredis
}

func newTestEngine(t *testing.T, cfg Config, platform *fakePlatform, configure ...func(*Builder)) *testEngine {
	t.Helper()

	mr, rdb := newTestRedis(t)
	if platform == nil {
		platform = newFakePlatform()
	}
	provider := &countingProvider{Provider: emulator.New("", 0)}
	route := NewMemoryRoute(cfg.Observer.AuthRoute)

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithPlatform(platform).
		WithChallenge(provider, nil).
		WithRoute(route).
		WithFlowKey("flow-test")
	for _, fn := range configure {
		fn(b)
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEngine{Engine: engine, platform: platform, provider: provider, route: route, redis: mr}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEngine) waitChallengeReady(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := e.Challenge().WaitReady(ctx); err != nil {
		t.Fatalf("challenge not ready: %v", err)
	}
}
