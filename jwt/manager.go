package jwt

import (
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the token algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
	// MethodRS256 verifies provider-issued tokens; it cannot sign.
	MethodRS256 SigningMethod = "rs256"
	// MethodUnverified decodes claims without checking the signature.
	// Only for the local emulator.
	MethodUnverified SigningMethod = "unverified"
)

// Config configures a Manager.
type Config struct {
	TTL           time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// Manager signs and parses ID tokens.
type Manager struct {
	config Config
}

// FirebaseClaim is the nested sign-in metadata block of an ID token.
type FirebaseClaim struct {
	SignInProvider string              `json:"sign_in_provider"`
	Identities     map[string][]string `json:"identities,omitempty"`
}

// IDClaims are the claims of an identity-platform ID token.
type IDClaims struct {
	UserID        string        `json:"user_id"`
	Email         string        `json:"email,omitempty"`
	EmailVerified bool          `json:"email_verified,omitempty"`
	PhoneNumber   string        `json:"phone_number,omitempty"`
	Picture       string        `json:"picture,omitempty"`
	Firebase      FirebaseClaim `json:"firebase"`
	jwt.RegisteredClaims
}

// Anonymous reports whether the token belongs to an anonymous session.
func (c *IDClaims) Anonymous() bool {
	return c.Firebase.SignInProvider == "anonymous"
}

// NewManager validates cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
	case MethodRS256:
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("rs256 requires public key or verify key set")
		}
	case MethodUnverified:
	default:
		return nil, errors.New("unsupported signing method")
	}

	for kid, key := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("verify key map contains empty kid")
		}
		if _, err := keyBytesToVerifyKey(cfg.SigningMethod, key); err != nil {
			return nil, fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
		}
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	return &Manager{config: cfg}, nil
}

// Sign issues a token for claims, filling the registered time claims from
// the configured TTL.
func (j *Manager) Sign(claims IDClaims) (string, error) {
	switch j.config.SigningMethod {
	case MethodHS256, MethodEd25519:
	default:
		return "", errors.New("signing method cannot issue tokens")
	}
	if j.config.TTL <= 0 {
		return "", errors.New("invalid TTL configuration")
	}

	now := time.Now()
	claims.Subject = claims.UserID
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(j.config.TTL))
	claims.Issuer = j.config.Issuer
	if j.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{j.config.Audience}
	}

	token := jwt.NewWithClaims(j.method(), claims)
	if j.config.KeyID != "" {
		token.Header["kid"] = j.config.KeyID
	}

	var signKey interface{}
	if j.config.SigningMethod == MethodHS256 {
		signKey = j.config.PrivateKey
	} else {
		key, err := parseEdPrivateKey(j.config.PrivateKey)
		if err != nil {
			return "", err
		}
		signKey = key
	}
	return token.SignedString(signKey)
}

// Parse validates tokenStr and returns its claims.
func (j *Manager) Parse(tokenStr string) (*IDClaims, error) {
	if j.config.SigningMethod == MethodUnverified {
		return j.parseUnverified(tokenStr)
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{j.method().Alg()}),
		jwt.WithIssuedAt(),
	}
	if j.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(j.config.Leeway))
	}
	if j.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(j.config.Issuer))
	}
	if j.config.Audience != "" {
		options = append(options, jwt.WithAudience(j.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &IDClaims{}, func(t *jwt.Token) (interface{}, error) {
		if len(j.config.VerifyKeys) > 0 {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid")
			}
			key, ok := j.config.VerifyKeys[kid]
			if !ok {
				return nil, errors.New("unknown kid")
			}
			return keyBytesToVerifyKey(j.config.SigningMethod, key)
		}
		return j.verifyKey()
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*IDClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}

func (j *Manager) parseUnverified(tokenStr string) (*IDClaims, error) {
	claims := &IDClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (j *Manager) method() jwt.SigningMethod {
	switch j.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	case MethodRS256:
		return jwt.SigningMethodRS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (j *Manager) verifyKey() (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return j.config.PrivateKey, nil
	default:
		return keyBytesToVerifyKey(j.config.SigningMethod, j.config.PublicKey)
	}
}

func keyBytesToVerifyKey(method SigningMethod, key []byte) (interface{}, error) {
	switch method {
	case MethodHS256:
		return key, nil
	case MethodRS256:
		return parseRSAPublicKey(key)
	case MethodUnverified:
		return nil, nil
	default:
		return parseEdPublicKey(key)
	}
}

func parseRSAPublicKey(key []byte) (*rsa.PublicKey, error) {
	parsed, err := jwt.ParseRSAPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid rsa public key")
	}
	return parsed, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
