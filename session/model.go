package session

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Provider identifiers as reported in [User.ProviderData] and by the
// sign-in method lookup.
const (
	ProviderPassword  = "password"
	ProviderGoogle    = "google.com"
	ProviderFacebook  = "facebook.com"
	ProviderPhone     = "phone"
	ProviderAnonymous = "anonymous"
)

// ProviderEntry is one sign-in method linked to a user.
type ProviderEntry struct {
	ProviderID string
	UID        string
	Email      string
}

// Metadata carries account timestamps.
type Metadata struct {
	CreationTime   time.Time
	LastSignInTime time.Time
}

// User is the identity platform's view of the signed-in account.
type User struct {
	UID           string
	Email         string
	PhoneNumber   string
	DisplayName   string
	PhotoURL      string
	EmailVerified bool
	IsAnonymous   bool
	ProviderData  []ProviderEntry
	Metadata      Metadata
}

// PrimaryProvider returns the first linked provider id, or "" when the user
// has no linked providers (anonymous users).
func (u *User) PrimaryProvider() string {
	if u == nil || len(u.ProviderData) == 0 {
		return ""
	}
	return u.ProviderData[0].ProviderID
}

// HasProvider reports whether providerID is linked to the user.
func (u *User) HasProvider(providerID string) bool {
	if u == nil {
		return false
	}
	for _, p := range u.ProviderData {
		if p.ProviderID == providerID {
			return true
		}
	}
	return false
}

// Initial returns the avatar letter for the user: the upper-cased first
// letter of the email, else the first digit after the leading '+' of the
// phone number, else "U".
func (u *User) Initial() string {
	if u == nil {
		return "U"
	}
	if u.Email != "" {
		r, _ := utf8.DecodeRuneInString(u.Email)
		return string(unicode.ToUpper(r))
	}
	if len(u.PhoneNumber) > 1 {
		r, _ := utf8.DecodeRuneInString(u.PhoneNumber[1:])
		return string(r)
	}
	return "U"
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	if u.ProviderData != nil {
		out.ProviderData = append([]ProviderEntry(nil), u.ProviderData...)
	}
	return &out
}

// State is one snapshot of the shared session context.
type State struct {
	User          *User
	IsAnonymous   bool
	EmailVerified bool
	AuthLoading   bool
}

// StateFor derives a settled snapshot from the platform user.
func StateFor(u *User) State {
	s := State{User: u.Clone()}
	if u != nil {
		s.IsAnonymous = u.IsAnonymous
		s.EmailVerified = u.EmailVerified
	}
	return s
}

// SignedIn reports whether a non-anonymous user is present.
func (s State) SignedIn() bool {
	return s.User != nil && !s.IsAnonymous
}

// Key identifies the snapshot for de-duplication of side effects. Two
// snapshots with equal keys must lead to the same observer decision.
func (s State) Key() string {
	if s.AuthLoading {
		return "loading"
	}
	if s.User == nil {
		return "none"
	}
	var b strings.Builder
	b.WriteString(s.User.UID)
	b.WriteByte('|')
	b.WriteString(s.User.PrimaryProvider())
	if s.IsAnonymous {
		b.WriteString("|anon")
	}
	if s.EmailVerified {
		b.WriteString("|verified")
	}
	return b.String()
}
