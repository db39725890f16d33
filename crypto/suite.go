package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the size of a secretbox nonce in bytes.
const NonceSize = 24

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// MaxPayloadSize bounds a single encrypted payload (1MB, prevents excessive
// memory usage on decode).
const MaxPayloadSize = 1024 * 1024

// ErrAuthFailure indicates that decryption or signature verification failed.
// It is terminal for the record it concerns: callers must treat the record
// as untrusted and never fall back to interpreting it as plaintext.
var ErrAuthFailure = errors.New("authentication failure")

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// Suite is the pluggable cryptographic capability: authenticated symmetric
// encryption plus signatures. The core never reaches past this interface,
// so alternative algorithm suites can be substituted wholesale.
type Suite interface {
	// Encrypt seals plaintext with an account symmetric key.
	Encrypt(plaintext []byte, key SymmetricKey) ([]byte, error)

	// Decrypt opens ciphertext produced by Encrypt. Wrong key, truncated
	// input or a tampered authentication tag all return ErrAuthFailure.
	Decrypt(ciphertext []byte, key SymmetricKey) ([]byte, error)

	// Sign creates a signature over payload with a device's private
	// identity key seed.
	Sign(payload []byte, privateKey [KeySize]byte) (Signature, error)

	// Verify reports whether signature is valid for payload under the
	// given public identity key.
	Verify(payload []byte, signature Signature, publicKey [KeySize]byte) bool
}

// NaClSuite is the default Suite: NaCl secretbox (XSalsa20-Poly1305) for
// symmetric encryption and Ed25519 for signatures.
type NaClSuite struct{}

// NewSuite returns the default cryptographic suite.
func NewSuite() Suite {
	return NaClSuite{}
}

// Encrypt seals plaintext with a fresh random nonce. The nonce is prepended
// to the returned ciphertext.
func (NaClSuite) Encrypt(plaintext []byte, key SymmetricKey) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}
	if len(plaintext) > MaxPayloadSize {
		return nil, errors.New("payload too large")
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	out := secretbox.Seal(nonce[:], plaintext, &nonce, (*[KeySize]byte)(&key))
	return out, nil
}

// Decrypt opens a nonce-prefixed secretbox ciphertext.
func (NaClSuite) Decrypt(ciphertext []byte, key SymmetricKey) ([]byte, error) {
	if len(ciphertext) <= NonceSize {
		return nil, ErrAuthFailure
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	out, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, (*[KeySize]byte)(&key))
	if !ok {
		return nil, ErrAuthFailure
	}

	return out, nil
}

// Sign creates an Ed25519 signature for payload using the private key seed.
func (NaClSuite) Sign(payload []byte, privateKey [KeySize]byte) (Signature, error) {
	if len(payload) == 0 {
		return Signature{}, errors.New("empty payload")
	}

	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])
	signatureBytes := ed25519.Sign(edPrivateKey, payload)

	var signature Signature
	copy(signature[:], signatureBytes)

	return signature, nil
}

// Verify checks an Ed25519 signature against a public key.
func (NaClSuite) Verify(payload []byte, signature Signature, publicKey [KeySize]byte) bool {
	if len(payload) == 0 {
		return false
	}
	return ed25519.Verify(publicKey[:], payload, signature[:])
}
