package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue("emp-42", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "emp-42" {
		t.Errorf("expected emp-42, got %s", userID)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("secret")

	expired := NewVerifier("secret")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := expired.Issue("emp-1", time.Hour)

	other, _ := NewVerifier("other").Issue("emp-1", time.Hour)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "emp-1"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{}).SignedString([]byte("secret"))

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-token", ErrInvalidToken},
		{"expired", old, ErrInvalidToken},
		{"wrong secret", other, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
		{"no subject", noSubject, ErrNoSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPeekUserID(t *testing.T) {
	token, _ := NewVerifier("whatever").Issue("emp-7", time.Hour)
	got, err := PeekUserID(token)
	if err != nil {
		t.Fatalf("PeekUserID: %v", err)
	}
	if got != "emp-7" {
		t.Errorf("expected emp-7, got %s", got)
	}

	// Subject-only tokens from older issuers.
	legacy, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "emp-8"}).SignedString([]byte("k"))
	if got, err := PeekUserID(legacy); err != nil || got != "emp-8" {
		t.Errorf("expected emp-8, got %q (%v)", got, err)
	}

	if _, err := PeekUserID("abc"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}
