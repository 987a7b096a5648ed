package crypto

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestKeyStoreGenerate(t *testing.T) {
	ks := NewKeyStore()

	identity, err := ks.Generate("alice")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if identity.ID != "alice" || identity.PrivateKey == nil || len(identity.PublicKey) != PublicKeySize {
		t.Fatalf("unexpected identity %+v", identity)
	}

	if _, err := ks.Generate("alice"); !errors.Is(err, ErrIdentityExists) {
		t.Fatalf("expected ErrIdentityExists, got %v", err)
	}

	publicKey, err := ks.PublicKey("alice")
	if err != nil {
		t.Fatalf("PublicKey failed: %v", err)
	}
	if !bytes.Equal(publicKey, identity.PublicKey) {
		t.Fatalf("public key mismatch")
	}
	publicKey[0] ^= 0xff
	if bytes.Equal(publicKey, identity.PublicKey) {
		t.Fatalf("expected PublicKey to return a copy")
	}

	if _, err := ks.Identity("bob"); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
	if _, err := ks.Generate("  "); err == nil {
		t.Fatalf("expected empty username to be rejected")
	}
}

func TestKeyStoreGenerateDistinctKeys(t *testing.T) {
	ks := NewKeyStore()
	alice, err := ks.Generate("alice")
	if err != nil {
		t.Fatalf("Generate alice failed: %v", err)
	}
	bob, err := ks.Generate("bob")
	if err != nil {
		t.Fatalf("Generate bob failed: %v", err)
	}
	if bytes.Equal(alice.PublicKey, bob.PublicKey) {
		t.Fatalf("expected distinct keypairs")
	}
}

func TestKeyStoreEnsureIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.pem")

	first, err := NewKeyStore().EnsureIdentity("alice", path)
	if err != nil {
		t.Fatalf("EnsureIdentity failed: %v", err)
	}
	second, err := NewKeyStore().EnsureIdentity("alice", path)
	if err != nil {
		t.Fatalf("EnsureIdentity reload failed: %v", err)
	}
	if !bytes.Equal(first.PublicKey, second.PublicKey) {
		t.Fatalf("expected identity to survive reload")
	}
}
