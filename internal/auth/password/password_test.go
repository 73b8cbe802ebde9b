package password

import (
	"strings"
	"testing"
)

func TestHashAndVerify(t *testing.T) {
	encoded, err := Hash("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$") {
		t.Fatalf("unexpected encoding %q", encoded)
	}
	if !Verify("correct horse battery", encoded) {
		t.Fatalf("expected password to verify")
	}
	if Verify("wrong horse battery", encoded) {
		t.Fatalf("expected wrong password to fail")
	}
	if Verify("correct horse battery", "$bcrypt$nope") {
		t.Fatalf("expected foreign encoding to fail")
	}
}

func TestHashIsSalted(t *testing.T) {
	a, _ := Hash("same-password")
	b, _ := Hash("same-password")
	if a == b {
		t.Fatalf("expected distinct salts")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("short"); err != ErrTooShort {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if err := Validate("        x"); err != ErrTooShort {
		t.Fatalf("expected whitespace padding to be ignored, got %v", err)
	}
	if err := Validate("long-enough"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
