package cyphercore

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cypherkit/cyphercore/crypto"
	"github.com/cypherkit/cyphercore/event"
	"github.com/cypherkit/cyphercore/models"
)

// ChatMessageView is a decrypted chat message together with its plaintext
// index fields.
type ChatMessageView struct {
	ID             string
	ConversationID string
	RemoteID       string
	Sender         models.Username
	SenderDevice   models.DeviceID
	Order          int64
	Message        models.CypherMessage
}

// conversationHandle is the shared core of the typed conversation handles.
// Handles are lightweight: every operation re-reads the conversation from
// storage so stale handles cannot clobber the order counter.
type conversationHandle struct {
	m  *Messenger
	id string
}

// ID returns the local conversation id.
func (h *conversationHandle) ID() string { return h.id }

// Members returns the conversation's current member set.
func (h *conversationHandle) Members() ([]models.Username, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	_, props, err := h.m.loadConversation(h.id)
	if err != nil {
		return nil, err
	}
	return props.Members, nil
}

// UpdateMetadata replaces the conversation's metadata and re-encrypts the
// aggregate.
func (h *conversationHandle) UpdateMetadata(metadata json.RawMessage) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	_, err := h.m.mutateConversation(h.id, func(props *models.ConversationProps) {
		props.Metadata = metadata
	})
	return err
}

// Metadata returns the conversation's decrypted metadata.
func (h *conversationHandle) Metadata() (json.RawMessage, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	_, props, err := h.m.loadConversation(h.id)
	if err != nil {
		return nil, err
	}
	return props.Metadata, nil
}

// MemberDevices resolves every device of every member.
func (h *conversationHandle) MemberDevices() ([]models.DeviceIdentity, error) {
	members, err := h.Members()
	if err != nil {
		return nil, err
	}

	var out []models.DeviceIdentity
	for _, member := range members {
		devices, err := h.m.directory.Devices(member)
		if err != nil {
			return nil, err
		}
		out = append(out, devices...)
	}
	return out, nil
}

// Messages returns every message in the conversation, decrypted, ordered by
// (order, sender device).
func (h *conversationHandle) Messages() ([]ChatMessageView, error) {
	stored, err := h.m.store.ListChatMessages(h.id)
	if err != nil {
		return nil, err
	}

	out := make([]ChatMessageView, 0, len(stored))
	for _, msg := range stored {
		decrypted, err := msg.Payload.Decrypt(h.m.suite, h.m.dbKey)
		if err != nil {
			return nil, fmt.Errorf("message %q: %w", msg.ID, err)
		}
		props := decrypted.Props()
		out = append(out, ChatMessageView{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			RemoteID:       msg.RemoteID,
			Sender:         props.SenderUser,
			SenderDevice:   props.SenderDevice,
			Order:          msg.Order,
			Message:        props.Message,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].SenderDevice < out[j].SenderDevice
	})
	return out, nil
}

// MessagesBySender returns one sender device's messages within the order
// range [fromOrder, toOrder], decrypted. A toOrder of 0 means no upper
// bound.
func (h *conversationHandle) MessagesBySender(sender models.DeviceID, fromOrder, toOrder int64) ([]ChatMessageView, error) {
	stored, err := h.m.store.ListChatMessagesBySender(h.id, sender, fromOrder, toOrder)
	if err != nil {
		return nil, err
	}

	out := make([]ChatMessageView, 0, len(stored))
	for _, msg := range stored {
		decrypted, err := msg.Payload.Decrypt(h.m.suite, h.m.dbKey)
		if err != nil {
			return nil, fmt.Errorf("message %q: %w", msg.ID, err)
		}
		props := decrypted.Props()
		out = append(out, ChatMessageView{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			RemoteID:       msg.RemoteID,
			Sender:         props.SenderUser,
			SenderDevice:   props.SenderDevice,
			Order:          msg.Order,
			Message:        props.Message,
		})
	}
	return out, nil
}

// InternalConversation is the account's single self-conversation, used for
// notes-to-self and cross-device signals.
type InternalConversation struct {
	conversationHandle
}

// SendText sends a text message to the account's own devices.
func (c *InternalConversation) SendText(text string) (*ChatMessageView, error) {
	return c.m.sendMessage(c.id, models.Target{Kind: models.TargetSelf}, textMessage(text), models.PushNone)
}

// SendInternalMessage writes a protocol-internal signal directly to every
// own device, without a locally saved chat message.
func (c *InternalConversation) SendInternalMessage(message models.CypherMessage) error {
	message.Target = models.Target{Kind: models.TargetSelf}
	return c.m.writeMessage(message, []models.Username{c.m.username})
}

// PrivateChat is a two-member conversation.
type PrivateChat struct {
	conversationHandle
	partner models.Username
}

// Partner returns the other member. Private chats always have exactly two
// members.
func (c *PrivateChat) Partner() models.Username { return c.partner }

// SendText sends a text message to the partner's devices and our own.
func (c *PrivateChat) SendText(text string) (*ChatMessageView, error) {
	return c.SendMessage(textMessage(text), models.PushMessage)
}

// SendMessage sends an arbitrary cypher message to the chat.
func (c *PrivateChat) SendMessage(message models.CypherMessage, push models.PushType) (*ChatMessageView, error) {
	return c.m.sendMessage(c.id, models.Target{Kind: models.TargetUser, User: c.partner}, message, push)
}

// GroupChat is a conversation governed by a published, admin-signed group
// config.
type GroupChat struct {
	conversationHandle
	groupID crypto.ContentAddress
	meta    models.GroupMetadata
}

// GroupID returns the content address of the group's config blob: the
// group's identity across devices.
func (c *GroupChat) GroupID() crypto.ContentAddress { return c.groupID }

// Config returns the locally cached group config.
func (c *GroupChat) Config() models.GroupChatConfig { return c.meta.Config.Blob }

// SendText sends a text message to all group members.
func (c *GroupChat) SendText(text string) (*ChatMessageView, error) {
	return c.SendMessage(textMessage(text), models.PushMessage)
}

// SendMessage sends an arbitrary cypher message to the group.
func (c *GroupChat) SendMessage(message models.CypherMessage, push models.PushType) (*ChatMessageView, error) {
	return c.m.sendMessage(c.id, models.Target{Kind: models.TargetGroup, Group: c.groupID}, message, push)
}

func textMessage(text string) models.CypherMessage {
	return models.CypherMessage{
		Type: models.MessageTypeText,
		Text: text,
	}
}

// GetInternalConversation returns the conversation whose member set is
// exactly {self}, creating it on first use. At most one internal
// conversation exists per account; the scan-then-create pattern relies on
// the account's single-writer serialization.
func (m *Messenger) GetInternalConversation() (*InternalConversation, error) {
	m.mu.Lock()
	defer m.flushNotifications()
	defer m.mu.Unlock()
	return m.internalConversationLocked()
}

func (m *Messenger) internalConversationLocked() (*InternalConversation, error) {
	self := []models.Username{m.username}

	conversations, err := m.store.ListConversations()
	if err != nil {
		return nil, err
	}
	for _, conv := range conversations {
		decrypted, err := m.decryptConversation(conv)
		if err != nil {
			return nil, err
		}
		if models.MembersEqual(decrypted.Props().Members, self) {
			return &InternalConversation{conversationHandle{m: m, id: conv.ID}}, nil
		}
	}

	conv, err := m.createConversation(self, json.RawMessage(`{}`))
	if err != nil {
		return nil, err
	}
	return &InternalConversation{conversationHandle{m: m, id: conv.ID}}, nil
}

// GetPrivateChat returns the conversation whose member set is exactly
// {self, otherUser}, or nil when none exists.
func (m *Messenger) GetPrivateChat(otherUser models.Username) (*PrivateChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getPrivateChatLocked(otherUser)
}

func (m *Messenger) getPrivateChatLocked(otherUser models.Username) (*PrivateChat, error) {
	want := models.NormalizeMembers([]models.Username{m.username, otherUser})

	conversations, err := m.store.ListConversations()
	if err != nil {
		return nil, err
	}
	for _, conv := range conversations {
		decrypted, err := m.decryptConversation(conv)
		if err != nil {
			return nil, err
		}
		members := decrypted.Props().Members
		if len(members) != 2 || !models.MembersEqual(members, want) {
			continue
		}
		return &PrivateChat{conversationHandle{m: m, id: conv.ID}, otherUser}, nil
	}
	return nil, nil
}

// CreatePrivateChat returns the existing private chat with otherUser or
// creates it, with initial metadata supplied by the application's
// private-chat-metadata hook. Idempotent: a second call returns the same
// conversation.
func (m *Messenger) CreatePrivateChat(otherUser models.Username) (*PrivateChat, error) {
	if otherUser == m.username {
		return nil, fmt.Errorf("%w: cannot open a private chat with yourself", ErrInvalidInput)
	}
	if otherUser == "" {
		return nil, fmt.Errorf("%w: empty username", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.flushNotifications()
	defer m.mu.Unlock()

	existing, err := m.getPrivateChatLocked(otherUser)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	return m.createPrivateChatLocked(otherUser)
}

// createPrivateChatLocked creates the private chat with otherUser, metadata
// supplied by the application hook. Caller holds the account lock and has
// checked no chat exists yet.
func (m *Messenger) createPrivateChatLocked(otherUser models.Username) (*PrivateChat, error) {
	metadata, err := m.events.PrivateChatMetadata(otherUser)
	if err != nil {
		return nil, err
	}

	conv, err := m.createConversation([]models.Username{m.username, otherUser}, metadata)
	if err != nil {
		return nil, err
	}
	return &PrivateChat{conversationHandle{m: m, id: conv.ID}, otherUser}, nil
}

// ListPrivateChats returns every private chat, sorted by the supplied
// ordering.
func (m *Messenger) ListPrivateChats(less func(a, b *PrivateChat) bool) ([]*PrivateChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversations, err := m.store.ListConversations()
	if err != nil {
		return nil, err
	}

	var out []*PrivateChat
	for _, conv := range conversations {
		decrypted, err := m.decryptConversation(conv)
		if err != nil {
			return nil, err
		}
		members := decrypted.Props().Members
		if len(members) != 2 || !models.HasMember(members, m.username) {
			continue
		}
		partner := members[0]
		if partner == m.username {
			partner = members[1]
		}
		out = append(out, &PrivateChat{conversationHandle{m: m, id: conv.ID}, partner})
	}

	if less != nil {
		sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out, nil
}

// createConversation persists a new conversation aggregate and fires the
// creation hook. Caller holds the account lock.
func (m *Messenger) createConversation(members []models.Username, metadata json.RawMessage) (models.Conversation, error) {
	props := models.ConversationProps{
		Members:  models.NormalizeMembers(members),
		Metadata: metadata,
	}
	payload, err := models.EncryptModel(&props, m.suite, m.dbKey)
	if err != nil {
		return models.Conversation{}, err
	}

	conv := models.Conversation{ID: uuid.NewString(), Payload: payload}
	if err := m.store.CreateConversation(conv); err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "createConversation",
		"conversation": conv.ID,
		"members":      len(props.Members),
	}).Debug("Conversation created")

	ev := event.ConversationEvent{
		ConversationID: conv.ID,
		Members:        props.Members,
	}
	m.notifyLater(func() { m.events.OnCreateConversation(ev) })
	return conv, nil
}

// loadConversation fetches and decrypts one conversation. Caller holds the
// account lock.
func (m *Messenger) loadConversation(id string) (models.Conversation, *models.ConversationProps, error) {
	conv, ok, err := m.store.GetConversation(id)
	if err != nil {
		return models.Conversation{}, nil, err
	}
	if !ok {
		return models.Conversation{}, nil, fmt.Errorf("conversation %q not found", id)
	}
	decrypted, err := m.decryptConversation(conv)
	if err != nil {
		return models.Conversation{}, nil, err
	}
	return conv, decrypted.Props(), nil
}

// mutateConversation applies fn to a conversation's decrypted props and
// commits the re-encrypted aggregate in the same write. Caller holds the
// account lock.
func (m *Messenger) mutateConversation(id string, fn func(props *models.ConversationProps)) (models.Conversation, error) {
	conv, ok, err := m.store.GetConversation(id)
	if err != nil {
		return models.Conversation{}, err
	}
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %q not found", id)
	}

	decrypted, err := m.decryptConversation(conv)
	if err != nil {
		return models.Conversation{}, err
	}

	fn(decrypted.Props())

	payload, err := decrypted.Commit()
	if err != nil {
		return models.Conversation{}, err
	}
	conv.Payload = payload

	if err := m.store.UpdateConversation(conv); err != nil {
		return models.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	return conv, nil
}
