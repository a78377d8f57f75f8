package memory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	authflow "github.com/nub-live/authflow"
	"github.com/nub-live/authflow/internal"
	"github.com/nub-live/authflow/jwt"
	"github.com/nub-live/authflow/password"
	"github.com/nub-live/authflow/session"
	"github.com/rs/zerolog"
)

// Op names a Platform operation for failure injection.
type Op string

const (
	OpCreateUser       Op = "createUser"
	OpSignIn           Op = "signIn"
	OpPopup            Op = "popup"
	OpAnonymous        Op = "anonymous"
	OpSendPhoneCode    Op = "sendPhoneCode"
	OpConfirmPhoneCode Op = "confirmPhoneCode"
	OpSendVerification Op = "sendVerification"
	OpSendReset        Op = "sendReset"
	OpFetchMethods     Op = "fetchMethods"
	OpLinkPassword     Op = "linkPassword"
	OpSignOut          Op = "signOut"
)

// Config configures a Platform.
type Config struct {
	// ProjectID becomes the ID token audience.
	ProjectID string
	Issuer    string
	// SigningKey is the HS256 secret. Empty generates one per Platform.
	SigningKey []byte
	TokenTTL   time.Duration
	CodeTTL    time.Duration
	CodeDigits int
	Password   password.Config
	// Providers lists the enabled federated providers.
	Providers []string
}

// DefaultConfig returns a Platform configuration with Google and Facebook
// enabled.
func DefaultConfig() Config {
	return Config{
		ProjectID:  "authflow-local",
		Issuer:     "https://securetoken.local/authflow-local",
		TokenTTL:   time.Hour,
		CodeTTL:    5 * time.Minute,
		CodeDigits: 6,
		Password:   password.DefaultConfig(),
		Providers:  []string{session.ProviderGoogle, session.ProviderFacebook},
	}
}

// Identity is what a federated consent returns.
type Identity struct {
	Email       string
	DisplayName string
	PhotoURL    string
}

// ConsentFunc stands in for the provider's consent popup. Returning an
// error wrapping authflow.ErrPopupClosed models an abandoned popup.
type ConsentFunc func(ctx context.Context, providerID string) (Identity, error)

type Option func(*Platform)

func WithLogger(log zerolog.Logger) Option {
	return func(p *Platform) { p.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(p *Platform) { p.now = now }
}

func WithConsent(fn ConsentFunc) Option {
	return func(p *Platform) { p.consent = fn }
}

type account struct {
	user         session.User
	passwordHash string
}

type pendingCode struct {
	phone   string
	code    string
	expires time.Time
}

type actionCode struct {
	kind  MessageKind
	uid   string
	email string
}

// Platform is an in-process identity platform. It is safe for concurrent use.
type Platform struct {
	cfg       Config
	log       zerolog.Logger
	hasher    *password.Argon2
	tokens    *jwt.Manager
	now       func() time.Time
	consent   ConsentFunc
	providers map[string]bool

	mu          sync.Mutex
	accounts    map[string]*account
	byEmail     map[string]string
	byPhone     map[string]string
	codes       map[string]pendingCode
	actionCodes map[string]actionCode
	refresh     map[[32]byte]string
	current     *account
	credential  *session.Credential
	listeners   map[int]func(*session.User)
	nextSub     int
	outbox      []Message
	failures    map[Op]error
}

var _ authflow.IdentityPlatform = (*Platform)(nil)

// New creates a Platform.
func New(cfg Config, opts ...Option) (*Platform, error) {
	if cfg.TokenTTL <= 0 {
		return nil, errors.New("memory: token TTL must be > 0")
	}
	if cfg.CodeTTL <= 0 {
		return nil, errors.New("memory: code TTL must be > 0")
	}

	hasher, err := password.NewArgon2(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	key := cfg.SigningKey
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("memory: signing key: %w", err)
		}
	}
	tokens, err := jwt.NewManager(jwt.Config{
		TTL:           cfg.TokenTTL,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    key,
		Issuer:        cfg.Issuer,
		Audience:      cfg.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	p := &Platform{
		cfg:         cfg,
		log:         zerolog.Nop(),
		hasher:      hasher,
		tokens:      tokens,
		now:         time.Now,
		providers:   make(map[string]bool, len(cfg.Providers)),
		accounts:    make(map[string]*account),
		byEmail:     make(map[string]string),
		byPhone:     make(map[string]string),
		codes:       make(map[string]pendingCode),
		actionCodes: make(map[string]actionCode),
		refresh:     make(map[[32]byte]string),
		listeners:   make(map[int]func(*session.User)),
		failures:    make(map[Op]error),
	}
	for _, id := range cfg.Providers {
		p.providers[id] = true
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// FailNext makes the next call of op return err.
func (p *Platform) FailNext(op Op, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = err
}

// injected returns and clears the failure queued for op. Callers hold mu.
func (p *Platform) injected(op Op) error {
	err, ok := p.failures[op]
	if !ok {
		return nil
	}
	delete(p.failures, op)
	return err
}

func (p *Platform) CurrentUser() *session.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	return p.current.user.Clone()
}

func (p *Platform) OnAuthStateChanged(fn func(*session.User)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.listeners[id] = fn
	var current *session.User
	if p.current != nil {
		current = p.current.user.Clone()
	}
	p.mu.Unlock()

	fn(current)
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// notify delivers u to every listener. It must be called without mu held.
func (p *Platform) notify(u *session.User) {
	p.mu.Lock()
	fns := make([]func(*session.User), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(u.Clone())
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	local, domain, ok := strings.Cut(email, "@")
	return ok && local != "" && strings.Contains(domain, ".")
}

// newAccount registers an account. Callers hold mu.
func (p *Platform) newAccount(email string) *account {
	now := p.now().UTC()
	acct := &account{user: session.User{
		UID:      uuid.NewString(),
		Email:    email,
		Metadata: session.Metadata{CreationTime: now},
	}}
	p.accounts[acct.user.UID] = acct
	if email != "" {
		p.byEmail[normalizeEmail(email)] = acct.user.UID
	}
	return acct
}

func (p *Platform) accountByEmail(email string) *account {
	uid, ok := p.byEmail[normalizeEmail(email)]
	if !ok {
		return nil
	}
	return p.accounts[uid]
}

func addProvider(acct *account, providerID string) {
	if acct.user.HasProvider(providerID) {
		return
	}
	acct.user.ProviderData = append(acct.user.ProviderData, session.ProviderEntry{
		ProviderID: providerID,
		UID:        acct.user.UID,
		Email:      acct.user.Email,
	})
}

// signIn makes acct current and issues its tokens. Callers hold mu; the
// returned user must be passed to notify after unlocking.
func (p *Platform) signIn(acct *account, providerID string) (*session.User, error) {
	claims := jwt.IDClaims{
		UserID:        acct.user.UID,
		Email:         acct.user.Email,
		EmailVerified: acct.user.EmailVerified,
		PhoneNumber:   acct.user.PhoneNumber,
		Picture:       acct.user.PhotoURL,
		Firebase:      jwt.FirebaseClaim{SignInProvider: providerID},
	}
	idToken, err := p.tokens.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("memory: sign id token: %w", err)
	}
	refreshToken, hash, err := internal.NewRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("memory: refresh token: %w", err)
	}

	acct.user.Metadata.LastSignInTime = p.now().UTC()
	p.refresh[hash] = acct.user.UID
	p.current = acct
	p.credential = &session.Credential{
		UID:          acct.user.UID,
		ProviderID:   providerID,
		IDToken:      idToken,
		RefreshToken: refreshToken,
		ExpiresAt:    p.now().Add(p.cfg.TokenTTL).Unix(),
		Anonymous:    acct.user.IsAnonymous,
	}
	p.log.Debug().Str("uid", acct.user.UID).Str("provider", providerID).Msg("signed in")
	return acct.user.Clone(), nil
}

func (p *Platform) CreateUserWithPassword(ctx context.Context, email, pw string) (*session.User, error) {
	p.mu.Lock()
	if err := p.injected(OpCreateUser); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	email = strings.TrimSpace(email)
	if !validEmail(email) {
		p.mu.Unlock()
		return nil, providerError(CodeInvalidEmail)
	}
	if p.accountByEmail(email) != nil {
		p.mu.Unlock()
		return nil, providerError(CodeEmailInUse)
	}
	p.mu.Unlock()

	hash, err := p.hasher.Hash(pw)
	if err != nil {
		if errors.Is(err, password.ErrTooShort) {
			return nil, providerError(CodeWeakPassword)
		}
		return nil, err
	}

	p.mu.Lock()
	if p.accountByEmail(email) != nil {
		p.mu.Unlock()
		return nil, providerError(CodeEmailInUse)
	}
	acct := p.newAccount(email)
	acct.passwordHash = hash
	addProvider(acct, session.ProviderPassword)
	u, err := p.signIn(acct, session.ProviderPassword)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p.notify(u)
	return u, nil
}

func (p *Platform) SignInWithPassword(ctx context.Context, email, pw string) (*session.User, error) {
	p.mu.Lock()
	if err := p.injected(OpSignIn); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	acct := p.accountByEmail(email)
	if acct == nil || acct.passwordHash == "" {
		p.mu.Unlock()
		return nil, providerError(CodeInvalidCredential)
	}
	hash := acct.passwordHash
	p.mu.Unlock()

	ok, err := p.hasher.Verify(pw, hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, providerError(CodeInvalidCredential)
	}
	if upgrade, err := p.hasher.NeedsUpgrade(hash); err == nil && upgrade {
		if rehashed, err := p.hasher.Hash(pw); err == nil {
			hash = rehashed
		}
	}

	p.mu.Lock()
	acct.passwordHash = hash
	u, err := p.signIn(acct, session.ProviderPassword)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p.notify(u)
	return u, nil
}

func (p *Platform) SignInWithPopup(ctx context.Context, providerID string) (*session.User, error) {
	p.mu.Lock()
	if err := p.injected(OpPopup); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	enabled := p.providers[providerID]
	consent := p.consent
	p.mu.Unlock()

	if !enabled {
		return nil, providerError(CodeOperationNotAllowed)
	}
	if consent == nil {
		return nil, providerError(CodePopupClosed)
	}
	id, err := consent(ctx, providerID)
	if err != nil {
		if errors.Is(err, authflow.ErrPopupClosed) || errors.Is(err, context.Canceled) {
			return nil, providerError(CodePopupClosed)
		}
		return nil, err
	}
	if !validEmail(id.Email) {
		return nil, providerError(CodeInvalidEmail)
	}

	p.mu.Lock()
	acct := p.accountByEmail(id.Email)
	switch {
	case acct == nil:
		acct = p.newAccount(strings.TrimSpace(id.Email))
		acct.user.EmailVerified = true
		acct.user.DisplayName = id.DisplayName
		acct.user.PhotoURL = id.PhotoURL
	case acct.user.HasProvider(providerID):
	case providerID == session.ProviderGoogle:
		// a verified Google identity takes over the email's account
		acct.user.EmailVerified = true
	default:
		p.mu.Unlock()
		return nil, providerError(CodeAccountExists)
	}
	addProvider(acct, providerID)
	u, err := p.signIn(acct, providerID)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p.notify(u)
	return u, nil
}

func (p *Platform) SignInAnonymously(ctx context.Context) (*session.User, error) {
	p.mu.Lock()
	if err := p.injected(OpAnonymous); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	acct := p.newAccount("")
	acct.user.IsAnonymous = true
	u, err := p.signIn(acct, session.ProviderAnonymous)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p.notify(u)
	return u, nil
}

func validPhone(phone string) bool {
	if !strings.HasPrefix(phone, "+") {
		return false
	}
	digits := phone[1:]
	if len(digits) < 7 || len(digits) > 15 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (p *Platform) SendPhoneCode(ctx context.Context, phoneNumber, challengeToken string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected(OpSendPhoneCode); err != nil {
		return "", err
	}
	if challengeToken == "" {
		return "", providerError(CodeMissingAppCred)
	}
	if !validPhone(phoneNumber) {
		return "", providerError(CodeInvalidPhone)
	}

	code, err := internal.NewOTP(p.cfg.CodeDigits)
	if err != nil {
		return "", fmt.Errorf("memory: generate code: %w", err)
	}
	verificationID := uuid.NewString()
	p.codes[verificationID] = pendingCode{
		phone:   phoneNumber,
		code:    code,
		expires: p.now().Add(p.cfg.CodeTTL),
	}
	p.deliver(Message{Kind: KindSMS, To: phoneNumber, Code: code})
	return verificationID, nil
}

func (p *Platform) ConfirmPhoneCode(ctx context.Context, verificationID, code string) (*session.User, error) {
	p.mu.Lock()
	if err := p.injected(OpConfirmPhoneCode); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	pending, ok := p.codes[verificationID]
	if !ok || p.now().After(pending.expires) {
		delete(p.codes, verificationID)
		p.mu.Unlock()
		return nil, providerError(CodeCodeExpired)
	}
	if pending.code != code {
		p.mu.Unlock()
		return nil, providerError(CodeInvalidCode)
	}
	delete(p.codes, verificationID)

	var acct *account
	if uid, ok := p.byPhone[pending.phone]; ok {
		acct = p.accounts[uid]
	} else {
		acct = p.newAccount("")
		acct.user.PhoneNumber = pending.phone
		p.byPhone[pending.phone] = acct.user.UID
		addProvider(acct, session.ProviderPhone)
	}
	u, err := p.signIn(acct, session.ProviderPhone)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p.notify(u)
	return u, nil
}

// currentAccount returns the signed-in account when it is user. Callers hold mu.
func (p *Platform) currentAccount(user *session.User) *account {
	if p.current == nil || user == nil || p.current.user.UID != user.UID {
		return nil
	}
	return p.current
}

func (p *Platform) SendEmailVerification(ctx context.Context, user *session.User) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected(OpSendVerification); err != nil {
		return err
	}
	acct := p.currentAccount(user)
	if acct == nil {
		return providerError(CodeRequiresLogin)
	}
	if acct.user.Email == "" {
		return providerError(CodeInvalidEmail)
	}
	p.deliverActionCode(KindVerification, acct)
	return nil
}

func (p *Platform) SendPasswordReset(ctx context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected(OpSendReset); err != nil {
		return err
	}
	if !validEmail(strings.TrimSpace(email)) {
		return providerError(CodeInvalidEmail)
	}
	acct := p.accountByEmail(email)
	if acct == nil {
		return providerError(CodeUserNotFound)
	}
	p.deliverActionCode(KindPasswordReset, acct)
	return nil
}

// deliverActionCode issues an out-of-band code for acct. Callers hold mu.
func (p *Platform) deliverActionCode(kind MessageKind, acct *account) {
	code := uuid.NewString()
	p.actionCodes[code] = actionCode{kind: kind, uid: acct.user.UID, email: acct.user.Email}
	p.deliver(Message{Kind: kind, To: acct.user.Email, Code: code})
}

func (p *Platform) FetchSignInMethods(ctx context.Context, email string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected(OpFetchMethods); err != nil {
		return nil, err
	}
	acct := p.accountByEmail(email)
	if acct == nil {
		return nil, nil
	}
	methods := make([]string, 0, len(acct.user.ProviderData))
	for _, entry := range acct.user.ProviderData {
		if entry.ProviderID == session.ProviderPhone {
			continue
		}
		methods = append(methods, entry.ProviderID)
	}
	return methods, nil
}

func (p *Platform) LinkPassword(ctx context.Context, user *session.User, email, pw string) error {
	p.mu.Lock()
	if err := p.injected(OpLinkPassword); err != nil {
		p.mu.Unlock()
		return err
	}
	acct := p.currentAccount(user)
	if acct == nil {
		p.mu.Unlock()
		return providerError(CodeRequiresLogin)
	}
	if acct.user.HasProvider(session.ProviderPassword) {
		p.mu.Unlock()
		return providerError(CodeProviderLinked)
	}
	if other := p.accountByEmail(email); other != nil && other != acct {
		p.mu.Unlock()
		return providerError(CodeEmailInUse)
	}
	p.mu.Unlock()

	hash, err := p.hasher.Hash(pw)
	if err != nil {
		if errors.Is(err, password.ErrTooShort) {
			return providerError(CodeWeakPassword)
		}
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if acct.user.Email == "" {
		acct.user.Email = strings.TrimSpace(email)
		p.byEmail[normalizeEmail(email)] = acct.user.UID
	}
	acct.passwordHash = hash
	addProvider(acct, session.ProviderPassword)
	return nil
}

func (p *Platform) SignOut(ctx context.Context) error {
	p.mu.Lock()
	if err := p.injected(OpSignOut); err != nil {
		p.mu.Unlock()
		return err
	}
	wasSignedIn := p.current != nil
	p.current = nil
	p.credential = nil
	p.mu.Unlock()

	if wasSignedIn {
		p.notify(nil)
	}
	return nil
}

// ApplyActionCode redeems a verification code from the outbox, marking the
// account's email as verified.
func (p *Platform) ApplyActionCode(code string) error {
	p.mu.Lock()
	ac, ok := p.actionCodes[code]
	if !ok || ac.kind != KindVerification {
		p.mu.Unlock()
		return providerError(CodeInvalidActionCode)
	}
	delete(p.actionCodes, code)
	acct := p.accounts[ac.uid]
	acct.user.EmailVerified = true
	var changed *session.User
	if p.current == acct {
		changed = acct.user.Clone()
	}
	p.mu.Unlock()

	if changed != nil {
		p.notify(changed)
	}
	return nil
}

// ConfirmPasswordReset redeems a reset code from the outbox and sets the
// new password.
func (p *Platform) ConfirmPasswordReset(code, newPassword string) error {
	p.mu.Lock()
	ac, ok := p.actionCodes[code]
	if !ok || ac.kind != KindPasswordReset {
		p.mu.Unlock()
		return providerError(CodeInvalidActionCode)
	}
	p.mu.Unlock()

	hash, err := p.hasher.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrTooShort) {
			return providerError(CodeWeakPassword)
		}
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.actionCodes[code]; !ok {
		return providerError(CodeInvalidActionCode)
	}
	delete(p.actionCodes, code)
	acct := p.accounts[ac.uid]
	acct.passwordHash = hash
	addProvider(acct, session.ProviderPassword)
	return nil
}

// Credential returns the signed-in user's tokens, or nil when signed out.
func (p *Platform) Credential() *session.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.credential == nil {
		return nil
	}
	c := *p.credential
	return &c
}

// VerifyIDToken checks a token issued by this Platform.
func (p *Platform) VerifyIDToken(token string) (*jwt.IDClaims, error) {
	return p.tokens.Parse(token)
}

// Refresh exchanges a refresh token for a fresh session of its account.
func (p *Platform) Refresh(ctx context.Context, refreshToken string) (*session.User, error) {
	hash, err := internal.HashRefreshToken(refreshToken)
	if err != nil {
		return nil, providerError(CodeInvalidCredential)
	}

	p.mu.Lock()
	uid, ok := p.refresh[hash]
	if !ok {
		p.mu.Unlock()
		return nil, providerError(CodeInvalidCredential)
	}
	delete(p.refresh, hash)
	acct := p.accounts[uid]
	provider := acct.user.PrimaryProvider()
	if acct.user.IsAnonymous {
		provider = session.ProviderAnonymous
	}
	u, err := p.signIn(acct, provider)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p.notify(u)
	return u, nil
}
