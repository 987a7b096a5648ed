package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"meshchat/models"
)

var (
	ErrIdentityExists   = errors.New("crypto: identity already exists")
	ErrIdentityNotFound = errors.New("crypto: identity not found")
)

// KeyStore holds one immutable keypair per local identity.
type KeyStore struct {
	mu         sync.RWMutex
	identities map[string]*models.Identity
}

func NewKeyStore() *KeyStore {
	return &KeyStore{identities: make(map[string]*models.Identity)}
}

// Generate creates a new random keypair for username.
func (ks *KeyStore) Generate(username string) (*models.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}

	ks.mu.RLock()
	_, exists := ks.identities[username]
	ks.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("generate %q: %w", username, ErrIdentityExists)
	}

	privateKey, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return ks.add(username, privateKey)
}

// EnsureIdentity loads the identity key from path, generating and persisting
// it on first use, and registers it under username.
func (ks *KeyStore) EnsureIdentity(username, path string) (*models.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	if identity, err := ks.Identity(username); err == nil {
		return identity, nil
	}

	privateKey, err := EnsurePrivateKey(path)
	if err != nil {
		return nil, err
	}
	return ks.add(username, privateKey)
}

func (ks *KeyStore) add(username string, privateKey *ecdsa.PrivateKey) (*models.Identity, error) {
	publicKey, err := MarshalPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}
	identity := &models.Identity{
		ID:         username,
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, exists := ks.identities[username]; exists {
		return nil, fmt.Errorf("generate %q: %w", username, ErrIdentityExists)
	}
	ks.identities[username] = identity
	return identity, nil
}

// Identity returns the registered identity for username.
func (ks *KeyStore) Identity(username string) (*models.Identity, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	identity, ok := ks.identities[username]
	if !ok {
		return nil, fmt.Errorf("identity %q: %w", username, ErrIdentityNotFound)
	}
	return identity, nil
}

// PublicKey returns a copy of username's public key.
func (ks *KeyStore) PublicKey(username string) ([]byte, error) {
	identity, err := ks.Identity(username)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), identity.PublicKey...), nil
}
