package crypto

import (
	"testing"
)

func TestSignatureValidity(t *testing.T) {
	privateKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	publicKey, _ := MarshalPublicKey(&privateKey.PublicKey)

	content := SignedContent{Content: "hi", Timestamp: 1700000000000, SenderID: "alice"}
	signature, err := Sign(privateKey, content)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !Verify(publicKey, content, signature) {
		t.Fatalf("expected signature verification to succeed")
	}
}

func TestSignatureTamperingRejected(t *testing.T) {
	privateKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	publicKey, _ := MarshalPublicKey(&privateKey.PublicKey)
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	otherPublic, _ := MarshalPublicKey(&other.PublicKey)

	content := SignedContent{Content: "message to protect", Timestamp: 42, SenderID: "alice"}
	signature, err := Sign(privateKey, content)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	for name, tampered := range map[string]SignedContent{
		"content":   {Content: "message to protect!", Timestamp: 42, SenderID: "alice"},
		"timestamp": {Content: "message to protect", Timestamp: 43, SenderID: "alice"},
		"sender":    {Content: "message to protect", Timestamp: 42, SenderID: "mallory"},
	} {
		if Verify(publicKey, tampered, signature) {
			t.Fatalf("expected verification to fail for tampered %s", name)
		}
	}
	if Verify(otherPublic, content, signature) {
		t.Fatalf("expected verification to fail under another key")
	}

	flipped := append([]byte(nil), signature...)
	flipped[len(flipped)-1] ^= 0x01
	if Verify(publicKey, content, flipped) {
		t.Fatalf("expected verification to fail for flipped signature bit")
	}
	if Verify(publicKey, content, nil) {
		t.Fatalf("expected verification to fail for empty signature")
	}
}

func TestCanonicalFieldOrder(t *testing.T) {
	raw, err := SignedContent{Content: "c", Timestamp: 7, SenderID: "s"}.CanonicalBytes()
	if err != nil {
		t.Fatalf("CanonicalBytes failed: %v", err)
	}
	if string(raw) != `{"content":"c","timestamp":7,"sender_id":"s"}` {
		t.Fatalf("unexpected canonical form %s", raw)
	}
}

func TestHashIsHexSHA256(t *testing.T) {
	got := Hash([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("unexpected digest %s", got)
	}
}
