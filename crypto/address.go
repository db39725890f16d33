package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentAddress identifies an immutable published blob by its content.
// Two blobs with the same bytes always share an address, so a fetched blob
// can be checked against the address it was requested under.
type ContentAddress string

// AddressOf computes the content address of a serialized blob.
func AddressOf(data []byte) ContentAddress {
	sum := sha256.Sum256(data)
	return ContentAddress(hex.EncodeToString(sum[:]))
}

// Matches reports whether data hashes to this address.
func (a ContentAddress) Matches(data []byte) bool {
	return AddressOf(data) == a
}
