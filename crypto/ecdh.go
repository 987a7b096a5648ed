package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	packetKeyPEMType = "MESHCHAT PACKET KEY"
	// PacketKeySize is the XChaCha20-Poly1305 key length.
	PacketKeySize = 32
)

// KeyFormatError reports malformed key material passed to a crypto operation.
type KeyFormatError struct {
	Op  string
	Err error
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *KeyFormatError) Unwrap() error { return e.Err }

// DeriveSharedSecret performs P-256 ECDH between a local private key and a
// remote public key encoded as an uncompressed SEC1 point.
func DeriveSharedSecret(localPrivateKey *ecdsa.PrivateKey, remotePublicKey []byte) ([]byte, error) {
	if localPrivateKey == nil {
		return nil, &KeyFormatError{Op: "derive shared secret", Err: errors.New("private key is required")}
	}
	local, err := localPrivateKey.ECDH()
	if err != nil {
		return nil, &KeyFormatError{Op: "derive shared secret", Err: err}
	}
	if len(remotePublicKey) != PublicKeySize {
		return nil, &KeyFormatError{Op: "derive shared secret", Err: fmt.Errorf("invalid public key length %d", len(remotePublicKey))}
	}

	remote, err := local.Curve().NewPublicKey(remotePublicKey)
	if err != nil {
		return nil, &KeyFormatError{Op: "derive shared secret", Err: err}
	}

	secret, err := local.ECDH(remote)
	if err != nil {
		return nil, &KeyFormatError{Op: "derive shared secret", Err: err}
	}
	return secret, nil
}

// GeneratePacketKey returns a fresh random packet-layer key.
func GeneratePacketKey() ([]byte, error) {
	key := make([]byte, PacketKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate packet key: %w", err)
	}
	return key, nil
}

// EnsurePacketKey loads the mesh packet key from disk, generating it on first run.
func EnsurePacketKey(path string) ([]byte, error) {
	key, err := LoadPacketKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = GeneratePacketKey()
	if err != nil {
		return nil, err
	}
	if err := SavePacketKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadPacketKey reads a packet key PEM file.
func LoadPacketKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read packet key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, &KeyFormatError{Op: "decode packet key PEM", Err: errors.New("no PEM block")}
	}
	if block.Type != packetKeyPEMType {
		return nil, &KeyFormatError{Op: "decode packet key PEM", Err: fmt.Errorf("unexpected type %q", block.Type)}
	}
	if len(block.Bytes) != PacketKeySize {
		return nil, &KeyFormatError{Op: "decode packet key PEM", Err: fmt.Errorf("invalid key length %d", len(block.Bytes))}
	}

	return append([]byte(nil), block.Bytes...), nil
}

// SavePacketKey writes a packet key PEM file with 0600 permissions.
func SavePacketKey(path string, key []byte) error {
	if len(key) != PacketKeySize {
		return &KeyFormatError{Op: "save packet key", Err: fmt.Errorf("invalid key length %d", len(key))}
	}

	block := &pem.Block{
		Type:  packetKeyPEMType,
		Bytes: key,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write packet key: %w", err)
	}
	return nil
}
