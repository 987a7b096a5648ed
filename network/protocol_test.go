package network

import (
	"bytes"
	"errors"
	"testing"

	"meshchat/models"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"presence","from":"a","timestamp":1}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	header := []byte{0x7f, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(header)); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	truncated := buffer.Bytes()[:buffer.Len()-2]
	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatalf("expected error for truncated frame")
	}
}

func validEnvelope(typ EnvelopeType) Envelope {
	env := Envelope{
		ID:        "env-1",
		From:      "alice",
		To:        []string{"bob"},
		Type:      typ,
		Timestamp: 1,
		Payload:   Payload{Signature: []byte("sig")},
	}
	switch typ {
	case TypeMessage:
		env.Payload.Sealed = &models.SealedPayload{PacketID: "p"}
	case TypeBroadcast:
		env.To = []string{BroadcastRecipient}
		env.TTL = 3
		env.Payload.Sealed = &models.SealedPayload{PacketID: "p"}
	case TypeAcknowledgement:
		env.Payload.Ack = &AckPayload{MessageID: "m1", Status: models.DeliveryDelivered}
	case TypePresence:
		env.Payload.Presence = &PresencePayload{Status: models.PeerOnline}
	}
	return env
}

func TestEnvelopeValidateAcceptsEachVariant(t *testing.T) {
	for _, typ := range []EnvelopeType{TypeMessage, TypeBroadcast, TypeAcknowledgement, TypePresence} {
		env := validEnvelope(typ)
		if err := env.Validate(); err != nil {
			t.Fatalf("expected %s envelope to validate, got %v", typ, err)
		}

		raw, err := EncodeJSON(env)
		if err != nil {
			t.Fatalf("EncodeJSON failed: %v", err)
		}
		decoded, err := DecodeEnvelope(raw)
		if err != nil {
			t.Fatalf("DecodeEnvelope failed for %s: %v", typ, err)
		}
		if decoded.Type != typ || decoded.ID != env.ID {
			t.Fatalf("decoded envelope mismatch for %s", typ)
		}
	}
}

func TestEnvelopeValidateRejectsMismatchedPayload(t *testing.T) {
	cases := map[string]func(*Envelope){
		"message without sealed":     func(e *Envelope) { e.Payload.Sealed = nil },
		"message with ack":           func(e *Envelope) { e.Payload.Ack = &AckPayload{MessageID: "m"} },
		"message with ttl":           func(e *Envelope) { e.TTL = 2 },
		"missing signature":          func(e *Envelope) { e.Payload.Signature = nil },
		"missing recipients":         func(e *Envelope) { e.To = nil },
		"missing sender":             func(e *Envelope) { e.From = "" },
		"exposed message layer":      func(e *Envelope) { e.Payload.Sealed.MessageLayer = &models.MessageLayer{} },
		"unknown type":               func(e *Envelope) { e.Type = "gossip" },
		"ack type with sealed body":  func(e *Envelope) { e.Type = TypeAcknowledgement },
		"presence type, sealed body": func(e *Envelope) { e.Type = TypePresence },
	}

	for name, mutate := range cases {
		env := validEnvelope(TypeMessage)
		mutate(&env)
		if err := env.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	broadcast := validEnvelope(TypeBroadcast)
	broadcast.TTL = 0
	if err := broadcast.Validate(); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope for zero ttl broadcast, got %v", err)
	}
	broadcast = validEnvelope(TypeBroadcast)
	broadcast.To = []string{"bob"}
	if err := broadcast.Validate(); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope for addressed broadcast, got %v", err)
	}

	presence := validEnvelope(TypePresence)
	presence.Payload.Presence.Status = "away"
	if err := presence.Validate(); err == nil {
		t.Fatalf("expected invalid presence status to be rejected")
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := DecodeEnvelope([]byte(`{"id":"x"}`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}
