package models

import "crypto/ecdsa"

// Identity is a local user's keypair. The private key never leaves the
// process and is never serialized.
type Identity struct {
	ID         string            `json:"id"`
	PublicKey  []byte            `json:"public_key"`
	PrivateKey *ecdsa.PrivateKey `json:"-"`
}
