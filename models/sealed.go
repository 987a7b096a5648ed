package models

// MessageLayer is the inner AEAD layer keyed by the conversation secret.
type MessageLayer struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	AuthTag    []byte `json:"auth_tag"`
}

// PacketLayer is the outer AEAD layer keyed by the packet key.
type PacketLayer struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"auth_tag"`
}

// SealedPayload is the dual-layer ciphertext bundle carried on the wire.
//
// MessageLayer is only ever transmitted inside PacketLayer.Ciphertext, so it
// is nil on sealed payloads produced for the wire.
type SealedPayload struct {
	PacketID        string        `json:"packet_id"`
	MessageLayer    *MessageLayer `json:"message_layer,omitempty"`
	PacketLayer     PacketLayer   `json:"packet_layer"`
	SenderPublicKey []byte        `json:"sender_public_key"`
	Timestamp       int64         `json:"timestamp"`
}
