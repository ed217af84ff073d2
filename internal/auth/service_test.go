package auth

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("lv-simtrade", "secret-1", time.Hour)
	token, err := svc.IssueToken("u1")
	if err != nil {
		t.Fatal(err)
	}
	userID, err := svc.ParseToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "u1" {
		t.Errorf("userID = %q, want u1", userID)
	}
}

func TestTokenRejections(t *testing.T) {
	svc := NewService("lv-simtrade", "secret-1", time.Hour)
	token, err := svc.IssueToken("u1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewService("lv-simtrade", "other-secret", time.Hour).ParseToken(token); err == nil {
		t.Error("wrong secret accepted")
	}
	if _, err := NewService("other-issuer", "secret-1", time.Hour).ParseToken(token); err == nil {
		t.Error("wrong issuer accepted")
	}
	if _, err := svc.ParseToken("not-a-token"); err == nil {
		t.Error("garbage accepted")
	}

	expired := NewService("lv-simtrade", "secret-1", -time.Minute)
	tok, err := expired.IssueToken("u1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ParseToken(tok); err == nil {
		t.Error("expired token accepted")
	}
}
