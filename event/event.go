package event

import (
	"encoding/json"

	"github.com/cypherkit/cyphercore/models"
)

// SendMessageAction is the pre-send decision.
type SendMessageAction uint8

const (
	// SendUndecided means the plugin has no opinion; the next plugin is
	// consulted, and the default (SaveAndSend) applies if none decides.
	SendUndecided SendMessageAction = iota
	// SendSaveAndSend persists the message locally, then transmits.
	SendSaveAndSend
	// SendOnly transmits without local persistence. Used for ephemeral
	// signals that must leave no record on the sending device.
	SendOnly
)

// ReceiveAction is the pre-receive decision.
type ReceiveAction uint8

const (
	// ReceiveUndecided defers to the next plugin; default is ReceiveSave.
	ReceiveUndecided ReceiveAction = iota
	// ReceiveSave persists the incoming message.
	ReceiveSave
	// ReceiveIgnore drops the incoming message without error.
	ReceiveIgnore
)

// RegistryAction is the decision for an incoming device registration.
type RegistryAction uint8

const (
	// RegistryUndecided defers to the next plugin; default is RegistryAllow.
	RegistryUndecided RegistryAction = iota
	// RegistryAllow saves the device identity.
	RegistryAllow
	// RegistryReject refuses the registration with an error.
	RegistryReject
	// RegistryIgnore drops the registration silently.
	RegistryIgnore
)

// SentMessageContext is the full context handed to the pre-send hook.
type SentMessageContext struct {
	Recipients     []models.Username
	Message        models.CypherMessage
	ConversationID string
	Target         models.Target
}

// ReceivedMessageContext is the context handed to the pre-receive hook.
type ReceivedMessageContext struct {
	Sender         models.Username
	SenderDevice   models.DeviceID
	Message        models.CypherMessage
	ConversationID string
	RemoteID       string
}

// ConversationEvent notifies about a conversation lifecycle change.
type ConversationEvent struct {
	ConversationID string
	Members        []models.Username
}

// MessageEvent notifies about a chat message lifecycle change.
type MessageEvent struct {
	ConversationID string
	MessageID      string
	RemoteID       string
}

// Handler is the hook surface the messenger calls into. PluginHandler is
// the standard implementation; applications with trivial policy can
// implement Handler directly.
//
// Decision hooks (OnSendMessage, OnReceiveMessage, OnDeviceRegistryRequest,
// PrivateChatMetadata) run inside the account's critical section and must
// not call back into the invoking messenger. Notification hooks fire after
// the lock is released and may.
type Handler interface {
	// OnSendMessage decides what happens to an outbound message. This is
	// the sole policy decision point for sending; the messenger enacts
	// whatever is returned.
	OnSendMessage(ctx *SentMessageContext) (SendMessageAction, error)

	// OnReceiveMessage decides what happens to an inbound message.
	OnReceiveMessage(ctx *ReceivedMessageContext) (ReceiveAction, error)

	// OnDeviceRegistryRequest decides whether to accept a device identity
	// about to be cached.
	OnDeviceRegistryRequest(identity models.DeviceIdentity) (RegistryAction, error)

	// PrivateChatMetadata supplies the initial metadata for a private chat
	// about to be created with otherUser.
	PrivateChatMetadata(otherUser models.Username) (json.RawMessage, error)

	// OnCreateConversation fires after a conversation is persisted.
	OnCreateConversation(ev ConversationEvent)

	// OnCreateChatMessage fires after a chat message is persisted.
	OnCreateChatMessage(ev MessageEvent)

	// OnMessageChange fires when a persisted message mutates.
	OnMessageChange(ev MessageEvent)
}

// Plugin is one ordered policy unit. Decision methods return the zero
// action to signal "no opinion". Embed NoopPlugin to implement only the
// hooks a plugin cares about.
type Plugin interface {
	// Identifier names the plugin in logs and error reports.
	Identifier() string

	OnSendMessage(ctx *SentMessageContext) (SendMessageAction, error)
	OnReceiveMessage(ctx *ReceivedMessageContext) (ReceiveAction, error)
	OnDeviceRegistryRequest(identity models.DeviceIdentity) (RegistryAction, error)
	PrivateChatMetadata(otherUser models.Username) (json.RawMessage, error)
	OnCreateConversation(ev ConversationEvent)
	OnCreateChatMessage(ev MessageEvent)
	OnMessageChange(ev MessageEvent)
}

// NoopPlugin implements Plugin with no opinions and no side effects.
type NoopPlugin struct{}

func (NoopPlugin) OnSendMessage(*SentMessageContext) (SendMessageAction, error) {
	return SendUndecided, nil
}

func (NoopPlugin) OnReceiveMessage(*ReceivedMessageContext) (ReceiveAction, error) {
	return ReceiveUndecided, nil
}

func (NoopPlugin) OnDeviceRegistryRequest(models.DeviceIdentity) (RegistryAction, error) {
	return RegistryUndecided, nil
}

func (NoopPlugin) PrivateChatMetadata(models.Username) (json.RawMessage, error) {
	return nil, nil
}

func (NoopPlugin) OnCreateConversation(ConversationEvent) {}
func (NoopPlugin) OnCreateChatMessage(MessageEvent)       {}
func (NoopPlugin) OnMessageChange(MessageEvent)           {}
