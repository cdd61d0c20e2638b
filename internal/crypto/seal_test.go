package crypto

import (
	"strings"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSealer(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSealRoundTrip(t *testing.T) {
	s := newTestSealer(t)

	sealed, err := s.Seal("secret-token")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		t.Fatalf("expected sealed prefix, got %q", sealed)
	}
	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if plain != "secret-token" {
		t.Fatalf("expected 'secret-token', got %q", plain)
	}
}

func TestSealDiffers(t *testing.T) {
	s := newTestSealer(t)
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	if a == b {
		t.Fatal("sealed values should differ for the same plaintext")
	}
}

func TestWrongKeyFails(t *testing.T) {
	sealed, _ := newTestSealer(t).Seal("secret")

	_, err := newTestSealer(t).Open(sealed)
	if err == nil {
		t.Fatal("expected error with wrong key")
	}
	if !ErrSeal(err) {
		t.Fatalf("expected SealError, got %T", err)
	}
}

func TestPassThroughWithoutKey(t *testing.T) {
	s, err := NewSealer("")
	if err != nil {
		t.Fatal(err)
	}
	if s.Enabled() {
		t.Fatal("empty key should disable sealing")
	}
	v, _ := s.Seal("plain")
	if v != "plain" {
		t.Fatalf("expected pass-through, got %q", v)
	}

	// Legacy plaintext is readable by a keyed sealer
	keyed := newTestSealer(t)
	v, err = keyed.Open("legacy-token")
	if err != nil || v != "legacy-token" {
		t.Fatalf("expected legacy value, got %q (%v)", v, err)
	}
}

func TestInvalidKey(t *testing.T) {
	if _, err := NewSealer("c2hvcnQ="); !ErrSeal(err) {
		t.Fatalf("expected SealError for short key, got %v", err)
	}
}

func TestIDFormats(t *testing.T) {
	if id := NewUserID(); !strings.HasPrefix(id, "u_") || len(id) != 2+36 {
		t.Fatalf("unexpected user id %q", id)
	}
	if id := NewMessageID(); !strings.HasPrefix(id, "msg_") || len(id) != 4+26 {
		t.Fatalf("unexpected message id %q", id)
	}
}
