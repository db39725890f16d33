package models

import (
	"encoding/json"
	"fmt"

	"github.com/cypherkit/cyphercore/crypto"
)

// Encrypted is the at-rest form of a model payload: JSON-serialized, then
// sealed with the account's symmetric key. It is the only representation
// that ever crosses the storage boundary.
type Encrypted[T any] []byte

// EncryptModel serializes props and seals it with the account key. There is
// no other way to produce an Encrypted value, so every save path passes
// through encryption.
func EncryptModel[T any](props *T, suite crypto.Suite, key crypto.SymmetricKey) (Encrypted[T], error) {
	plaintext, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("serialize model: %w", err)
	}

	ciphertext, err := suite.Encrypt(plaintext, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt model: %w", err)
	}

	return Encrypted[T](ciphertext), nil
}

// Decrypt opens the payload and returns a mutable decrypted view. A wrong
// key, corrupted ciphertext or tampered authentication tag surfaces
// crypto.ErrAuthFailure: the record is unusable and must be treated as a
// trust failure, never reinterpreted as plaintext.
func (e Encrypted[T]) Decrypt(suite crypto.Suite, key crypto.SymmetricKey) (*Decrypted[T], error) {
	plaintext, err := suite.Decrypt(e, key)
	if err != nil {
		return nil, fmt.Errorf("decrypt model: %w", err)
	}

	props := new(T)
	if err := json.Unmarshal(plaintext, props); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}

	return &Decrypted[T]{props: props, suite: suite, key: key}, nil
}

// Decrypted is the transient plaintext view of an encrypted model. It is
// never persisted itself: committing a mutation re-encrypts.
type Decrypted[T any] struct {
	props *T
	suite crypto.Suite
	key   crypto.SymmetricKey
}

// Props returns the mutable decrypted payload.
func (d *Decrypted[T]) Props() *T {
	return d.props
}

// Commit re-serializes and re-encrypts the payload after mutation. The
// returned value replaces the record's previous ciphertext.
func (d *Decrypted[T]) Commit() (Encrypted[T], error) {
	return EncryptModel(d.props, d.suite, d.key)
}
