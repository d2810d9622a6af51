package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	token := s.Issue("user.with.dots@example.com", time.Hour)
	user, err := s.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if user != "user.with.dots@example.com" {
		t.Fatalf("user = %q", user)
	}
}

func TestSignerRejects(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	other := NewSigner([]byte("different"))
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	valid := s.Issue("alice", time.Minute)
	if _, err := other.Verify(valid); !errors.Is(err, ErrSignature) {
		t.Fatalf("foreign secret: %v", err)
	}
	if _, err := s.Verify("alice.123"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("two parts: %v", err)
	}
	flip := "0"
	if valid[len(valid)-1] == '0' {
		flip = "1"
	}
	if _, err := s.Verify(valid[:len(valid)-1] + flip); err == nil {
		t.Fatalf("tampered signature accepted")
	}
	now = now.Add(2 * time.Minute)
	if _, err := s.Verify(valid); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired: %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := BearerToken("Bearer abc.def"); !ok || tok != "abc.def" {
		t.Fatalf("got %q %v", tok, ok)
	}
	if _, ok := BearerToken("Basic abc"); ok {
		t.Fatalf("basic accepted")
	}
	if _, ok := BearerToken("Bearer "); ok {
		t.Fatalf("empty bearer accepted")
	}
}
