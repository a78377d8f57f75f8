package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// FlowID identifies one engine instance (one page visit) in redis keys.
type FlowID [16]byte

const (
	linkCredentialSize = 24
	refreshSecretSize  = 32
)

func NewFlowID() (FlowID, error) {
	var id FlowID
	_, err := rand.Read(id[:])
	return id, err
}

func (f FlowID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(f[:])
}

func ParseFlowID(s string) (FlowID, error) {
	var id FlowID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid flow id size")
	}

	copy(id[:], raw)
	return id, nil
}

// NewLinkCredential returns a throwaway password used to attach the
// password method to a federated-only account right before a reset email
// replaces it. The value is never shown to the user.
func NewLinkCredential() (string, error) {
	var raw [linkCredentialSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewRefreshToken returns an opaque refresh token and the hash to store.
func NewRefreshToken() (string, [32]byte, error) {
	var secret [refreshSecretSize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", [32]byte{}, err
	}
	token := base64.RawURLEncoding.EncodeToString(secret[:])
	return token, sha256.Sum256(secret[:]), nil
}

// HashRefreshToken decodes token and returns its stored hash.
func HashRefreshToken(token string) ([32]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return [32]byte{}, err
	}
	if len(raw) != refreshSecretSize {
		return [32]byte{}, errors.New("invalid refresh token size")
	}
	return sha256.Sum256(raw), nil
}

func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}
