package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStoreTest(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewStore(rdb, "test"), mr
}

func TestUserInitial(t *testing.T) {
	cases := []struct {
		name string
		user *User
		want string
	}{
		{"nil", nil, "U"},
		{"email", &User{Email: "alice@example.com", PhoneNumber: "+8801"}, "A"},
		{"phone", &User{PhoneNumber: "+8801712345678"}, "8"},
		{"empty", &User{}, "U"},
	}
	for _, tc := range cases {
		if got := tc.user.Initial(); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestStateForCopiesFlags(t *testing.T) {
	u := &User{UID: "u1", IsAnonymous: true, ProviderData: []ProviderEntry{{ProviderID: ProviderGoogle}}}
	s := StateFor(u)
	if s.AuthLoading || !s.IsAnonymous || s.SignedIn() {
		t.Fatalf("unexpected state %+v", s)
	}
	u.ProviderData[0].ProviderID = "mutated"
	if s.User.PrimaryProvider() != ProviderGoogle {
		t.Fatalf("state must hold a copy of the user")
	}
}

func TestStateKeyDistinguishesVerification(t *testing.T) {
	u := &User{UID: "u1", ProviderData: []ProviderEntry{{ProviderID: ProviderPassword}}}
	a := StateFor(u)
	u.EmailVerified = true
	b := StateFor(u)
	if a.Key() == b.Key() {
		t.Fatalf("verification change must change the key")
	}
	if (State{AuthLoading: true}).Key() != "loading" {
		t.Fatalf("loading key mismatch")
	}
}

func TestContextStartsLoadingAndPublishes(t *testing.T) {
	c := NewContext()
	if !c.Snapshot().AuthLoading {
		t.Fatalf("new context must be loading")
	}

	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	first := <-ch
	if !first.AuthLoading {
		t.Fatalf("first snapshot must be the loading state")
	}

	c.Update(&User{UID: "u1"})
	c.Update(&User{UID: "u2"})

	select {
	case s := <-ch:
		if s.User == nil || s.User.UID != "u2" {
			t.Fatalf("expected latest snapshot u2, got %+v", s.User)
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot delivered")
	}
}

func TestContextUnsubscribeClosesChannel(t *testing.T) {
	c := NewContext()
	ch, unsubscribe := c.Subscribe()
	<-ch
	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Fatalf("channel must be closed after unsubscribe")
	}
	c.Update(nil)
}

func TestCredentialRoundTripThroughStore(t *testing.T) {
	store, _ := newStoreTest(t)
	ctx := context.Background()

	in := &Credential{
		UID:          "u1",
		ProviderID:   ProviderPassword,
		IDToken:      string(make([]byte, 900)),
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		Anonymous:    true,
	}
	if err := store.Save(ctx, "default", in, time.Hour); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	out, err := store.Load(ctx, "default")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	if err := store.Delete(ctx, "default"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Load(ctx, "default"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "default"); err != nil {
		t.Fatalf("second delete must be a no-op, got %v", err)
	}
}

func TestDecodeAcceptsV1WithoutFlags(t *testing.T) {
	blob, err := Encode(&Credential{UID: "u1", IDToken: "t"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	legacy := append([]byte{credentialFormatVersionV1}, blob[1:len(blob)-1]...)

	c, err := Decode(legacy)
	if err != nil {
		t.Fatalf("decode v1 failed: %v", err)
	}
	if c.UID != "u1" || c.Anonymous {
		t.Fatalf("unexpected v1 credential %+v", c)
	}
}

func TestLoadCorruptBlob(t *testing.T) {
	store, mr := newStoreTest(t)
	if err := mr.Set(store.key("bad"), "\x09junk"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := store.Load(context.Background(), "bad"); !errors.Is(err, ErrCredentialCorrupt) {
		t.Fatalf("expected ErrCredentialCorrupt, got %v", err)
	}
}

func TestSaveRequiresUID(t *testing.T) {
	store, _ := newStoreTest(t)
	if err := store.Save(context.Background(), "p", &Credential{}, 0); err == nil {
		t.Fatalf("expected error for empty uid")
	}
}

func FuzzDecodeCredential(f *testing.F) {
	seed, _ := Encode(&Credential{UID: "u", IDToken: "t", RefreshToken: "r"})
	f.Add(seed)
	f.Add([]byte{2})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Decode(data)
	})
}
