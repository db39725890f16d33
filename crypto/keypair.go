package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// KeySize is the size in bytes of public keys, private key seeds and
// symmetric keys.
const KeySize = 32

// SymmetricKey is a 32-byte key for authenticated symmetric encryption.
// The messenger holds exactly one per account, protecting everything it
// persists.
type SymmetricKey [KeySize]byte

// IdentityKeyPair is a device's long-term Ed25519 signing key pair. The
// private key is the 32-byte seed form; the full ed25519 key is derived
// on demand.
type IdentityKeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateIdentityKeyPair creates a new random Ed25519 identity key pair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyPair := &IdentityKeyPair{}
	copy(keyPair.Public[:], public)
	copy(keyPair.Private[:], private.Seed())

	return keyPair, nil
}

// IdentityFromSeed rebuilds an identity key pair from a stored private seed.
func IdentityFromSeed(seed [KeySize]byte) (*IdentityKeyPair, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid seed: all zeros")
	}

	private := ed25519.NewKeyFromSeed(seed[:])
	keyPair := &IdentityKeyPair{Private: seed}
	copy(keyPair.Public[:], private.Public().(ed25519.PublicKey))

	return keyPair, nil
}

// GenerateSymmetricKey creates a new random symmetric key.
func GenerateSymmetricKey() (SymmetricKey, error) {
	var key SymmetricKey
	if _, err := rand.Read(key[:]); err != nil {
		return SymmetricKey{}, err
	}
	return key, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
