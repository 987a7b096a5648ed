package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	ecPrivatePEMType = "EC PRIVATE KEY"
	// PublicKeySize is the length of an uncompressed SEC1 P-256 point.
	PublicKeySize = 65
)

// GenerateKeyPair creates a fresh P-256 keypair usable for ECDSA and ECDH.
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 keypair: %w", err)
	}
	return privateKey, nil
}

// EnsurePrivateKey loads a P-256 private key from disk, generating it on first run.
func EnsurePrivateKey(path string) (*ecdsa.PrivateKey, error) {
	privateKey, err := LoadPrivateKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SavePrivateKey(path, privateKey); err != nil {
		return nil, err
	}
	return privateKey, nil
}

// LoadPrivateKey reads a P-256 private key from a PEM file.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, &KeyFormatError{Op: "decode private key PEM", Err: errors.New("no PEM block")}
	}
	if block.Type != ecPrivatePEMType {
		return nil, &KeyFormatError{Op: "decode private key PEM", Err: fmt.Errorf("unexpected type %q", block.Type)}
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, &KeyFormatError{Op: "parse private key", Err: err}
	}
	if privateKey.Curve != elliptic.P256() {
		return nil, &KeyFormatError{Op: "parse private key", Err: errors.New("curve is not P-256")}
	}
	return privateKey, nil
}

// SavePrivateKey writes a P-256 private key PEM file with 0600 permissions.
func SavePrivateKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	block := &pem.Block{
		Type:  ecPrivatePEMType,
		Bytes: der,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// MarshalPublicKey returns the uncompressed SEC1 encoding of a public key.
func MarshalPublicKey(publicKey *ecdsa.PublicKey) ([]byte, error) {
	ecdhKey, err := publicKey.ECDH()
	if err != nil {
		return nil, &KeyFormatError{Op: "marshal public key", Err: err}
	}
	return ecdhKey.Bytes(), nil
}

// ParsePublicKey validates and decodes an uncompressed SEC1 P-256 point.
func ParsePublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != PublicKeySize {
		return nil, &KeyFormatError{Op: "parse public key", Err: fmt.Errorf("invalid length %d", len(raw))}
	}
	// ecdh validates the point is on the curve and not the identity.
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, &KeyFormatError{Op: "parse public key", Err: err}
	}
	publicKey, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), raw)
	if err != nil {
		return nil, &KeyFormatError{Op: "parse public key", Err: err}
	}
	return publicKey, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
