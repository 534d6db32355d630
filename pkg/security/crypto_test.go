package security

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	kek := make([]byte, 32)
	if _, err := rand.Read(kek); err != nil {
		t.Fatal(err)
	}
	k, err := NewKeyringFromKey(context.Background(), kek, "test")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return k
}

func TestDEKWrapRoundTrip(t *testing.T) {
	k := testKeyring(t)
	ctx := context.Background()

	keyID, dek, wrapped, err := k.CreateDEK(ctx)
	if err != nil {
		t.Fatalf("create dek: %v", err)
	}
	if keyID == "" || wrapped == "" || len(dek) != 32 {
		t.Fatalf("bad dek output: id=%q wrapped=%d bytes dek=%d bytes", keyID, len(wrapped), len(dek))
	}

	got, err := k.UnwrapDEK(ctx, wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Fatal("unwrapped dek differs from original")
	}
}

func TestBodySealRoundTrip(t *testing.T) {
	k := testKeyring(t)
	_, dek, _, err := k.CreateDEK(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("meet at the usual place")
	sealed, err := EncryptBody(dek, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if sealed == string(plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}
	got, err := DecryptBody(dek, sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip mismatch")
	}

	// wrong key must fail
	other := testKeyring(t)
	_, dek2, _, err := other.CreateDEK(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptBody(dek2, sealed); err == nil {
		t.Fatal("decrypt with wrong key should fail")
	}
}
