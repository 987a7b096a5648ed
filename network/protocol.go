package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"meshchat/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (1 MiB).
	MaxFrameSize = 1 << 20
	// DefaultConnectionTimeout bounds a TCP dial plus transport ack.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second

	// BroadcastRecipient is the only entry of Envelope.To on broadcasts.
	BroadcastRecipient = "broadcast"
)

// EnvelopeType selects which Payload variant an envelope carries.
type EnvelopeType string

const (
	TypeMessage         EnvelopeType = "message"
	TypePresence        EnvelopeType = "presence"
	TypeAcknowledgement EnvelopeType = "acknowledgement"
	TypeBroadcast       EnvelopeType = "broadcast"

	typeTransportAck = "transport_ack"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the envelope type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrMalformedEnvelope indicates an envelope whose fields do not match its type.
	ErrMalformedEnvelope = errors.New("network: malformed envelope")
	// ErrPeerUnknown indicates the recipient has no registered public key.
	ErrPeerUnknown = errors.New("network: peer unknown")
	// ErrSignatureInvalid indicates envelope signature verification failed.
	ErrSignatureInvalid = errors.New("network: invalid signature")
	// ErrDecryptionInvalid indicates the sealed payload failed to open.
	ErrDecryptionInvalid = errors.New("network: decryption failed")
	// ErrMessageIDReused indicates an inbound message id already stored for another sender.
	ErrMessageIDReused = errors.New("network: message id reused by another sender")
	// ErrDeliveryExhausted indicates a message ran out of delivery attempts.
	ErrDeliveryExhausted = errors.New("network: delivery attempts exhausted")
	// ErrDeliveryCancelled indicates a delivery was cancelled locally.
	ErrDeliveryCancelled = errors.New("network: delivery cancelled")
	// ErrDeliveryNotTracked indicates no in-flight delivery exists for a message.
	ErrDeliveryNotTracked = errors.New("network: delivery not tracked")
)

// Envelope is the signed unit exchanged between peers. TTL and RelayedBy are
// rewritten by relays and are not covered by the signature.
type Envelope struct {
	ID        string       `json:"id"`
	From      string       `json:"from"`
	To        []string     `json:"to"`
	Type      EnvelopeType `json:"type"`
	GroupID   string       `json:"group_id,omitempty"`
	Payload   Payload      `json:"payload"`
	Timestamp int64        `json:"timestamp"`
	TTL       int          `json:"ttl,omitempty"`
	RelayedBy string       `json:"relayed_by,omitempty"`
}

// Payload is a tagged union: exactly the variant matching Envelope.Type is set.
type Payload struct {
	Sealed    *models.SealedPayload `json:"sealed,omitempty"`
	Ack       *AckPayload           `json:"ack,omitempty"`
	Presence  *PresencePayload      `json:"presence,omitempty"`
	Signature []byte                `json:"signature"`
}

// AckPayload acknowledges receipt of one message.
type AckPayload struct {
	MessageID string                `json:"message_id"`
	Status    models.DeliveryStatus `json:"status"`
}

// PresencePayload announces the sender's presence.
type PresencePayload struct {
	Status models.PeerStatus `json:"status"`
}

type transportAck struct {
	Type string `json:"type"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeEnvelope parses and structurally validates an envelope. It does not
// verify the signature.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks that the envelope is addressed and that its payload
// variant matches its type.
func (e Envelope) Validate() error {
	if e.ID == "" || e.From == "" {
		return fmt.Errorf("%w: id and from are required", ErrMalformedEnvelope)
	}
	if len(e.To) == 0 {
		return fmt.Errorf("%w: envelope %q has no recipients", ErrMalformedEnvelope, e.ID)
	}
	if len(e.Payload.Signature) == 0 {
		return fmt.Errorf("%w: envelope %q is unsigned", ErrMalformedEnvelope, e.ID)
	}

	p := e.Payload
	switch e.Type {
	case TypeMessage:
		if p.Sealed == nil || p.Ack != nil || p.Presence != nil {
			return fmt.Errorf("%w: message %q must carry only a sealed payload", ErrMalformedEnvelope, e.ID)
		}
	case TypeBroadcast:
		if p.Sealed == nil || p.Ack != nil || p.Presence != nil {
			return fmt.Errorf("%w: broadcast %q must carry only a sealed payload", ErrMalformedEnvelope, e.ID)
		}
		if len(e.To) != 1 || e.To[0] != BroadcastRecipient {
			return fmt.Errorf("%w: broadcast %q must be addressed to %q", ErrMalformedEnvelope, e.ID, BroadcastRecipient)
		}
		if e.TTL <= 0 {
			return fmt.Errorf("%w: broadcast %q has ttl %d", ErrMalformedEnvelope, e.ID, e.TTL)
		}
	case TypeAcknowledgement:
		if p.Ack == nil || p.Sealed != nil || p.Presence != nil || p.Ack.MessageID == "" {
			return fmt.Errorf("%w: acknowledgement %q must carry only an ack", ErrMalformedEnvelope, e.ID)
		}
	case TypePresence:
		if p.Presence == nil || p.Sealed != nil || p.Ack != nil || !p.Presence.Status.Valid() {
			return fmt.Errorf("%w: presence %q must carry only a valid presence", ErrMalformedEnvelope, e.ID)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, e.Type)
	}

	if e.Type != TypeBroadcast && e.TTL != 0 {
		return fmt.Errorf("%w: ttl set on %s %q", ErrMalformedEnvelope, e.Type, e.ID)
	}
	if p.Sealed != nil && p.Sealed.MessageLayer != nil {
		return fmt.Errorf("%w: envelope %q exposes its message layer", ErrMalformedEnvelope, e.ID)
	}
	return nil
}

// AddressedTo reports whether peerID is an explicit recipient.
func (e Envelope) AddressedTo(peerID string) bool {
	for _, to := range e.To {
		if to == peerID {
			return true
		}
	}
	return false
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
