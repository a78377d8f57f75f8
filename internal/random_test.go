package internal

import "testing"

func TestFlowIDRoundTrip(t *testing.T) {
	id, err := NewFlowID()
	if err != nil {
		t.Fatalf("new flow id failed: %v", err)
	}
	parsed, err := ParseFlowID(id.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch")
	}
	if _, err := ParseFlowID("short"); err == nil {
		t.Fatalf("expected size error")
	}
}

func TestRefreshTokenHash(t *testing.T) {
	token, hash, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("new refresh token failed: %v", err)
	}
	got, err := HashRefreshToken(token)
	if err != nil || got != hash {
		t.Fatalf("hash mismatch, err %v", err)
	}
	if _, err := HashRefreshToken("!!"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestLinkCredentialIsLongAndUnique(t *testing.T) {
	a, err := NewLinkCredential()
	if err != nil {
		t.Fatalf("link credential failed: %v", err)
	}
	b, _ := NewLinkCredential()
	if len(a) < 30 || a == b {
		t.Fatalf("weak link credential %q %q", a, b)
	}
}

func TestNewOTPDigits(t *testing.T) {
	otp, err := NewOTP(6)
	if err != nil || len(otp) != 6 {
		t.Fatalf("unexpected otp %q err %v", otp, err)
	}
	if _, err := NewOTP(4); err == nil {
		t.Fatalf("expected digits error")
	}
}
