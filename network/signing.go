package network

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"meshchat/crypto"
	"meshchat/models"
)

// signedBody is every envelope field fixed by the origin. Hop-mutable fields
// (ttl, relayed_by) are excluded so relays keep the origin signature intact.
type signedBody struct {
	ID       string                `json:"id"`
	Type     EnvelopeType          `json:"type"`
	To       []string              `json:"to"`
	GroupID  string                `json:"group_id,omitempty"`
	Sealed   *models.SealedPayload `json:"sealed,omitempty"`
	Ack      *AckPayload           `json:"ack,omitempty"`
	Presence *PresencePayload      `json:"presence,omitempty"`
}

func signedContent(env Envelope) (crypto.SignedContent, error) {
	body, err := json.Marshal(signedBody{
		ID:       env.ID,
		Type:     env.Type,
		To:       env.To,
		GroupID:  env.GroupID,
		Sealed:   env.Payload.Sealed,
		Ack:      env.Payload.Ack,
		Presence: env.Payload.Presence,
	})
	if err != nil {
		return crypto.SignedContent{}, fmt.Errorf("encode signed body: %w", err)
	}
	return crypto.SignedContent{
		Content:   string(body),
		Timestamp: env.Timestamp,
		SenderID:  env.From,
	}, nil
}

func signEnvelope(env *Envelope, privateKey *ecdsa.PrivateKey) error {
	content, err := signedContent(*env)
	if err != nil {
		return err
	}
	signature, err := crypto.Sign(privateKey, content)
	if err != nil {
		return fmt.Errorf("sign envelope %q: %w", env.ID, err)
	}
	env.Payload.Signature = signature
	return nil
}

func verifyEnvelope(env Envelope, publicKey []byte) error {
	content, err := signedContent(env)
	if err != nil {
		return err
	}
	if !crypto.Verify(publicKey, content, env.Payload.Signature) {
		return fmt.Errorf("envelope %q from %q: %w", env.ID, env.From, ErrSignatureInvalid)
	}
	return nil
}
