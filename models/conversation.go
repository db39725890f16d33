package models

import "encoding/json"

// Conversation is the persisted conversation aggregate. The ID is the only
// plaintext index field; members, metadata and the local order counter live
// in the encrypted payload.
//
// Membership invariants:
//   - internal conversation: exactly one member, the owning account
//   - private conversation: exactly two distinct members, unique per pair
//   - group conversation: two or more members, metadata carries GroupMetadata
type Conversation struct {
	ID      string
	Payload Encrypted[ConversationProps]
}

// ConversationProps is the encrypted payload of a conversation.
type ConversationProps struct {
	Members    []Username      `json:"members"`
	Metadata   json.RawMessage `json:"metadata"`
	LocalOrder int64           `json:"localOrder"`
}

// NextLocalOrder increments and returns the per-account causal sequence
// number for this conversation. This is the only mutation path for the
// counter; callers commit the surrounding decrypted view in the same write
// so the increment and the persisted value never diverge.
func (p *ConversationProps) NextLocalOrder() int64 {
	p.LocalOrder++
	return p.LocalOrder
}
