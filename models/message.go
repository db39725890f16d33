package models

import (
	"encoding/json"
	"time"

	"github.com/cypherkit/cyphercore/crypto"
)

// MessageType classifies a cypher message payload.
type MessageType string

const (
	// MessageTypeText is a regular text message.
	MessageTypeText MessageType = "text"
	// MessageTypeMedia is a message whose metadata carries a media payload.
	MessageTypeMedia MessageType = "media"
	// MessageTypeMagic is a protocol-internal signal, never shown to users.
	MessageTypeMagic MessageType = "magic"
)

// PushType is the preferred push-notification treatment for a message.
// Push delivery itself is an external concern; the core only carries the
// preference on the delivery task.
type PushType string

const (
	PushNone    PushType = "none"
	PushMessage PushType = "message"
	PushCall    PushType = "call"
)

// TargetKind discriminates the conversation target of a message.
type TargetKind string

const (
	// TargetSelf addresses the account's own internal conversation.
	TargetSelf TargetKind = "self"
	// TargetUser addresses a private two-member conversation.
	TargetUser TargetKind = "user"
	// TargetGroup addresses a group conversation by its config address.
	TargetGroup TargetKind = "group"
)

// Target names the conversation a message belongs to in a form that is
// meaningful on the recipient side, where local conversation ids differ.
type Target struct {
	Kind  TargetKind            `json:"kind"`
	User  Username              `json:"user,omitempty"`
	Group crypto.ContentAddress `json:"group,omitempty"`
}

// CypherMessage is the plaintext message payload before encryption. It is
// what travels inside delivery tasks and, on the saving side, inside the
// encrypted props of a ChatMessage.
type CypherMessage struct {
	Type             MessageType     `json:"type"`
	Subtype          string          `json:"subtype,omitempty"`
	Text             string          `json:"text"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	DestructionTimer time.Duration   `json:"destructionTimer,omitempty"`
	SentDate         time.Time       `json:"sentDate"`
	Order            int64           `json:"order"`
	Target           Target          `json:"target"`
}

// ChatMessage is the persisted message aggregate. The plaintext fields are
// the storage index: (ConversationID, SenderDeviceID, Order) is unique, and
// RemoteID is the globally unique idempotency key for delivery.
type ChatMessage struct {
	ID             string
	ConversationID string
	SenderDeviceID DeviceID
	Order          int64
	RemoteID       string
	Payload        Encrypted[MessageProps]
}

// MessageProps is the encrypted payload of a chat message.
type MessageProps struct {
	Message      CypherMessage `json:"message"`
	SenderUser   Username      `json:"senderUser"`
	SenderDevice DeviceID      `json:"senderDevice"`
}
