package models

import (
	"encoding/json"
	"fmt"

	"github.com/cypherkit/cyphercore/crypto"
)

// SignedBlob is a content-addressed envelope: a serialized payload, the
// signature over it, and the identity of the signer. Anyone holding the
// signer's public identity key can verify it independently.
//
// Parsing and verification are deliberately separate steps. ParseInto reads
// the payload structurally without vouching for it; IsSignedBy is the trust
// decision. The group trust protocol relies on being able to read a config's
// claimed admin before checking the signature against that admin's devices.
type SignedBlob struct {
	Payload      []byte           `json:"payload"`
	Signature    crypto.Signature `json:"signature"`
	Signer       Username         `json:"signer"`
	SignerDevice DeviceID         `json:"signerDevice"`
}

// SignBlob serializes value and signs it with a device's private identity
// key.
func SignBlob(value any, signer Username, device DeviceID, suite crypto.Suite, privateKey [crypto.KeySize]byte) (*SignedBlob, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("serialize blob payload: %w", err)
	}

	signature, err := suite.Sign(payload, privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign blob: %w", err)
	}

	return &SignedBlob{
		Payload:      payload,
		Signature:    signature,
		Signer:       signer,
		SignerDevice: device,
	}, nil
}

// ParseInto decodes the payload into v without verifying the signature.
// Callers must follow up with IsSignedBy before trusting the result.
func (b *SignedBlob) ParseInto(v any) error {
	if err := json.Unmarshal(b.Payload, v); err != nil {
		return fmt.Errorf("decode blob payload: %w", err)
	}
	return nil
}

// IsSignedBy reports whether the blob's signature verifies under the given
// public identity key.
func (b *SignedBlob) IsSignedBy(suite crypto.Suite, publicKey [crypto.KeySize]byte) bool {
	return suite.Verify(b.Payload, b.Signature, publicKey)
}

// Encode produces the canonical serialized envelope. The content address of
// a published blob is computed over these bytes.
func (b *SignedBlob) Encode() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode signed blob: %w", err)
	}
	return data, nil
}

// DecodeSignedBlob parses a serialized envelope. Structural only; the
// signature inside is not checked.
func DecodeSignedBlob(data []byte) (*SignedBlob, error) {
	blob := &SignedBlob{}
	if err := json.Unmarshal(data, blob); err != nil {
		return nil, fmt.Errorf("decode signed blob: %w", err)
	}
	return blob, nil
}
