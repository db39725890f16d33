package models

import (
	"encoding/json"
	"errors"

	"github.com/cypherkit/cyphercore/crypto"
)

// GroupChatConfig is the authoritative definition of a group: who runs it
// and who belongs to it. It is only ever published wrapped in a SignedBlob
// carrying the admin device's signature.
type GroupChatConfig struct {
	Admin      Username        `json:"admin"`
	Members    []Username      `json:"members"`
	Moderators []Username      `json:"moderators"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks the structural invariants of a group config before any
// signature verification happens.
func (c *GroupChatConfig) Validate() error {
	if c.Admin == "" {
		return errors.New("group config has no admin")
	}
	if len(c.Members) < 2 {
		return errors.New("group config needs at least two members")
	}
	if !HasMember(c.Members, c.Admin) {
		return errors.New("group admin is not a member")
	}
	return nil
}

// ReferencedBlob pairs a locally cached value with the content address used
// to refetch and reverify the authoritative published copy. The cached copy
// is a convenience; the address is the identity.
type ReferencedBlob[T any] struct {
	ID   crypto.ContentAddress `json:"id"`
	Blob T                     `json:"blob"`
}

// GroupMetadata is what a group conversation stores inside its encrypted
// conversation metadata: application-custom bytes plus the referenced group
// config.
type GroupMetadata struct {
	Custom json.RawMessage                 `json:"custom,omitempty"`
	Config ReferencedBlob[GroupChatConfig] `json:"config"`
}
