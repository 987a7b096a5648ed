package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"meshchat/models"
)

const (
	aes256KeySize = 32
	// MessageNonceSize is the 128-bit AES-GCM nonce used by the message layer.
	MessageNonceSize = 16
	authTagSize      = 16

	messageKeyInfo = "encryption_key"
)

// deriveMessageKey expands an ECDH secret into the message-layer AES key.
func deriveMessageKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("derive message key: secret is required")
	}

	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(messageKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive message key: %w", err)
	}
	return key, nil
}

func newMessageAEAD(secret []byte) (cipher.AEAD, error) {
	key, err := deriveMessageKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, MessageNonceSize)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// SealMessageLayer encrypts plaintext with AES-256-GCM under a key derived
// from secret. Every call draws a fresh random nonce.
func SealMessageLayer(plaintext, secret []byte) (models.MessageLayer, error) {
	aead, err := newMessageAEAD(secret)
	if err != nil {
		return models.MessageLayer{}, err
	}

	nonce := make([]byte, MessageNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return models.MessageLayer{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - authTagSize
	return models.MessageLayer{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		AuthTag:    sealed[split:],
	}, nil
}

// OpenMessageLayer reverses SealMessageLayer.
func OpenMessageLayer(layer models.MessageLayer, secret []byte) ([]byte, error) {
	if len(layer.Nonce) != MessageNonceSize {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(layer.Nonce), MessageNonceSize)
	}
	if len(layer.AuthTag) != authTagSize {
		return nil, fmt.Errorf("invalid auth tag length: got %d want %d", len(layer.AuthTag), authTagSize)
	}

	aead, err := newMessageAEAD(secret)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(layer.Ciphertext)+len(layer.AuthTag))
	sealed = append(sealed, layer.Ciphertext...)
	sealed = append(sealed, layer.AuthTag...)
	plaintext, err := aead.Open(nil, layer.Nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt message layer: %w", err)
	}
	return plaintext, nil
}

// SealPacketLayer wraps serialized data with XChaCha20-Poly1305 under the
// packet key. additionalData is authenticated but not encrypted.
func SealPacketLayer(serialized, packetKey, additionalData []byte) (models.PacketLayer, error) {
	if len(packetKey) != PacketKeySize {
		return models.PacketLayer{}, &KeyFormatError{Op: "seal packet layer", Err: fmt.Errorf("invalid packet key length %d", len(packetKey))}
	}
	aead, err := chacha20poly1305.NewX(packetKey)
	if err != nil {
		return models.PacketLayer{}, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return models.PacketLayer{}, fmt.Errorf("generate IV: %w", err)
	}

	sealed := aead.Seal(nil, iv, serialized, additionalData)
	split := len(sealed) - aead.Overhead()
	return models.PacketLayer{
		Ciphertext: sealed[:split],
		IV:         iv,
		AuthTag:    sealed[split:],
	}, nil
}

// OpenPacketLayer reverses SealPacketLayer.
func OpenPacketLayer(layer models.PacketLayer, packetKey, additionalData []byte) ([]byte, error) {
	if len(packetKey) != PacketKeySize {
		return nil, &KeyFormatError{Op: "open packet layer", Err: fmt.Errorf("invalid packet key length %d", len(packetKey))}
	}
	if len(layer.IV) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("invalid IV length: got %d want %d", len(layer.IV), chacha20poly1305.NonceSizeX)
	}
	if len(layer.AuthTag) != chacha20poly1305.Overhead {
		return nil, fmt.Errorf("invalid auth tag length: got %d want %d", len(layer.AuthTag), chacha20poly1305.Overhead)
	}

	aead, err := chacha20poly1305.NewX(packetKey)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}

	sealed := make([]byte, 0, len(layer.Ciphertext)+len(layer.AuthTag))
	sealed = append(sealed, layer.Ciphertext...)
	sealed = append(sealed, layer.AuthTag...)
	plaintext, err := aead.Open(nil, layer.IV, sealed, additionalData)
	if err != nil {
		return nil, fmt.Errorf("decrypt packet layer: %w", err)
	}
	return plaintext, nil
}
