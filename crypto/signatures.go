package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// SignedContent is the canonical structure covered by message signatures.
// Field order is part of the signature contract.
type SignedContent struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	SenderID  string `json:"sender_id"`
}

// CanonicalBytes returns the serialization that is hashed and signed.
func (c SignedContent) CanonicalBytes() ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode signed content: %w", err)
	}
	return raw, nil
}

// Sign signs the SHA-256 digest of content with ECDSA (ASN.1 encoding).
func Sign(privateKey *ecdsa.PrivateKey, content SignedContent) ([]byte, error) {
	if privateKey == nil {
		return nil, &KeyFormatError{Op: "sign", Err: errors.New("private key is required")}
	}
	if content.SenderID == "" {
		return nil, errors.New("sender id is required")
	}

	raw, err := content.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(raw)
	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign content: %w", err)
	}
	return signature, nil
}

// Verify checks an ECDSA signature against an uncompressed P-256 public key.
func Verify(publicKey []byte, content SignedContent, signature []byte) bool {
	if len(signature) == 0 {
		return false
	}
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}

	raw, err := content.CanonicalBytes()
	if err != nil {
		return false
	}
	digest := sha256.Sum256(raw)
	return ecdsa.VerifyASN1(key, digest[:], signature)
}

// Hash returns the hex SHA-256 digest of message. It identifies content and
// is not used for security decisions.
func Hash(message []byte) string {
	sum := sha256.Sum256(message)
	return hex.EncodeToString(sum[:])
}
