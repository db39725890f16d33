package store

import (
	"errors"

	"github.com/cypherkit/cyphercore/models"
)

// ErrDuplicate indicates an insert that violates a uniqueness constraint,
// such as a second chat message with the same remote id.
var ErrDuplicate = errors.New("store: duplicate record")

// Store is the persistence capability the messenger requires. All payloads
// are already-encrypted bytes; implementations must never need to interpret
// them.
type Store interface {
	// CreateConversation inserts a new conversation aggregate.
	CreateConversation(conv models.Conversation) error

	// UpdateConversation replaces the payload of an existing conversation.
	UpdateConversation(conv models.Conversation) error

	// GetConversation fetches one conversation by id.
	GetConversation(id string) (models.Conversation, bool, error)

	// ListConversations returns every conversation owned by this account.
	ListConversations() ([]models.Conversation, error)

	// CreateChatMessage inserts a message. Returns ErrDuplicate when the
	// remote id or the (conversation, sender device, order) triple already
	// exists.
	CreateChatMessage(msg models.ChatMessage) error

	// GetChatMessageByRemoteID looks a message up by its delivery id. This
	// is the receive-side idempotency check.
	GetChatMessageByRemoteID(remoteID string) (models.ChatMessage, bool, error)

	// ListChatMessages returns all messages in a conversation ordered by
	// (sender device, order).
	ListChatMessages(conversationID string) ([]models.ChatMessage, error)

	// ListChatMessagesBySender returns one sender device's messages in a
	// conversation within [fromOrder, toOrder], ordered by order. A
	// toOrder of 0 means no upper bound.
	ListChatMessagesBySender(conversationID string, sender models.DeviceID, fromOrder, toOrder int64) ([]models.ChatMessage, error)

	// SaveDeviceIdentity caches a verified device identity record.
	SaveDeviceIdentity(rec models.StoredDeviceIdentity) error

	// ListDeviceIdentities returns the cached identities for a username.
	ListDeviceIdentities(owner models.Username) ([]models.StoredDeviceIdentity, error)

	// AppendTask appends a delivery task to the durable queue.
	AppendTask(rec models.TaskRecord) error

	// OldestTask peeks the head of the queue without removing it.
	OldestTask() (models.TaskRecord, bool, error)

	// RemoveTask deletes a task by id, after delivery or cancellation.
	RemoveTask(id string) error

	// ListTasks returns the whole queue in FIFO order.
	ListTasks() ([]models.TaskRecord, error)

	// Close releases any resources held by the store.
	Close() error
}
