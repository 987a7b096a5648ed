package crypto

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"meshchat/models"
)

const broadcastSecretInfo = "broadcast"

// OpenResult is the outcome of opening a sealed payload. Plaintext is empty
// whenever IsValid is false.
type OpenResult struct {
	Plaintext []byte
	IsValid   bool
}

// Engine seals and opens dual-layer payloads. It owns the packet key; the
// per-conversation secret is supplied on every call.
type Engine struct {
	packetKey []byte
}

// NewEngine creates an engine with a freshly generated packet key.
func NewEngine() (*Engine, error) {
	key, err := GeneratePacketKey()
	if err != nil {
		return nil, err
	}
	return NewEngineWithPacketKey(key)
}

// NewEngineWithPacketKey creates an engine around an existing packet key, as
// loaded by EnsurePacketKey.
func NewEngineWithPacketKey(packetKey []byte) (*Engine, error) {
	if len(packetKey) != PacketKeySize {
		return nil, &KeyFormatError{Op: "create engine", Err: fmt.Errorf("invalid packet key length %d", len(packetKey))}
	}
	return &Engine{packetKey: append([]byte(nil), packetKey...)}, nil
}

// PacketKey returns a copy of the engine's packet key.
func (e *Engine) PacketKey() []byte {
	return append([]byte(nil), e.packetKey...)
}

// BroadcastSecret is the message-layer secret for flood broadcasts. It is
// derived from the packet key, so any node sharing the mesh packet key can
// open a relayed broadcast.
func (e *Engine) BroadcastSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, e.packetKey, nil, []byte(broadcastSecretInfo)), secret); err != nil {
		return nil, fmt.Errorf("derive broadcast secret: %w", err)
	}
	return secret, nil
}

// Seal encrypts plaintext under the message layer first and then wraps the
// serialized message layer in the packet layer. timestamp (unix millis) is
// bound into the packet layer's associated data.
func (e *Engine) Seal(plaintext, secret, senderPublicKey []byte, timestamp int64) (models.SealedPayload, error) {
	messageLayer, err := SealMessageLayer(plaintext, secret)
	if err != nil {
		return models.SealedPayload{}, fmt.Errorf("seal message layer: %w", err)
	}
	serialized, err := json.Marshal(messageLayer)
	if err != nil {
		return models.SealedPayload{}, fmt.Errorf("encode message layer: %w", err)
	}

	sealed := models.SealedPayload{
		PacketID:        uuid.NewString(),
		SenderPublicKey: append([]byte(nil), senderPublicKey...),
		Timestamp:       timestamp,
	}
	packetLayer, err := SealPacketLayer(serialized, e.packetKey, packetAAD(sealed))
	if err != nil {
		return models.SealedPayload{}, fmt.Errorf("seal packet layer: %w", err)
	}
	sealed.PacketLayer = packetLayer
	return sealed, nil
}

// Open reverses Seal using the engine's own packet key.
func (e *Engine) Open(sealed models.SealedPayload, secret []byte) OpenResult {
	return Open(sealed, secret, e.packetKey)
}

// Open removes the packet layer and then the message layer. It never returns
// an error: any failure yields an invalid result with empty plaintext.
func Open(sealed models.SealedPayload, secret, packetKey []byte) OpenResult {
	serialized, err := OpenPacketLayer(sealed.PacketLayer, packetKey, packetAAD(sealed))
	if err != nil {
		return OpenResult{}
	}

	var messageLayer models.MessageLayer
	if err := json.Unmarshal(serialized, &messageLayer); err != nil {
		return OpenResult{}
	}

	plaintext, err := OpenMessageLayer(messageLayer, secret)
	if err != nil {
		return OpenResult{}
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return OpenResult{Plaintext: plaintext, IsValid: true}
}

// packetAAD binds the cleartext header fields to the packet-layer tag.
func packetAAD(sealed models.SealedPayload) []byte {
	aad := make([]byte, 0, len(sealed.PacketID)+len(sealed.SenderPublicKey)+24)
	aad = append(aad, sealed.PacketID...)
	aad = append(aad, 0)
	aad = strconv.AppendInt(aad, sealed.Timestamp, 10)
	aad = append(aad, 0)
	aad = append(aad, sealed.SenderPublicKey...)
	return aad
}
