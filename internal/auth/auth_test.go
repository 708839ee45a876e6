package auth

import (
	"errors"
	"strings"
	"testing"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSignVerify_RoundTrip(t *testing.T) {
	v := NewVerifier([]byte(testSecret))

	token := v.Sign("user-42")
	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != "user-42" {
		t.Errorf("Verify() = %q, want %q", got, "user-42")
	}
}

func TestVerify_UserIDWithDots(t *testing.T) {
	// User IDs containing dots must survive: only the last dot separates
	// the signature.
	v := NewVerifier([]byte(testSecret))

	token := v.Sign("tenant.region.user")
	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != "tenant.region.user" {
		t.Errorf("Verify() = %q, want %q", got, "tenant.region.user")
	}
}

func TestVerify_TamperedUserID(t *testing.T) {
	v := NewVerifier([]byte(testSecret))

	token := v.Sign("alice")
	tampered := "mallory" + token[len("alice"):]

	if _, err := v.Verify(tampered); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify(tampered) error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	token := NewVerifier([]byte(testSecret)).Sign("alice")

	other := NewVerifier([]byte(strings.Repeat("x", 32)))
	if _, err := other.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify(wrong secret) error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	v := NewVerifier([]byte(testSecret))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no separator", "justauserid"},
		{"leading dot", ".c2lnbmF0dXJl"},
		{"bad base64", "alice.!!!not-base64!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, ErrTokenMalformed) {
				t.Errorf("Verify(%q) error = %v, want ErrTokenMalformed", tt.token, err)
			}
		})
	}
}
