package cyphercore

import (
	"errors"

	"github.com/cypherkit/cyphercore/crypto"
)

var (
	// ErrInvalidInput rejects a request that can never succeed, such as a
	// private chat with oneself.
	ErrInvalidInput = errors.New("cyphercore: invalid input")

	// ErrUnknownGroup means no group config blob exists under the
	// requested id. Terminal.
	ErrUnknownGroup = errors.New("cyphercore: unknown group")

	// ErrInvalidGroupConfig means the group config blob is malformed or is
	// not provably signed by a device of its claimed admin. Terminal and
	// never retried: retrying does not change a cryptographic verdict.
	ErrInvalidGroupConfig = errors.New("cyphercore: invalid group config")

	// ErrAuthFailure aliases the crypto capability's terminal
	// decryption/verification failure for callers matching on this
	// package.
	ErrAuthFailure = crypto.ErrAuthFailure
)
