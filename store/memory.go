package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cypherkit/cyphercore/models"
)

// MemoryStore is an in-memory Store used by tests and short-lived tools.
// Safe for concurrent use.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	convOrder     []string
	messages      []models.ChatMessage
	byRemoteID    map[string]int
	devices       map[models.Username][]models.StoredDeviceIdentity
	tasks         []models.TaskRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]models.Conversation),
		byRemoteID:    make(map[string]int),
		devices:       make(map[models.Username][]models.StoredDeviceIdentity),
	}
}

// CreateConversation implements Store.
func (s *MemoryStore) CreateConversation(conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("%w: conversation %q", ErrDuplicate, conv.ID)
	}
	s.conversations[conv.ID] = conv
	s.convOrder = append(s.convOrder, conv.ID)
	return nil
}

// UpdateConversation implements Store.
func (s *MemoryStore) UpdateConversation(conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; !exists {
		return fmt.Errorf("conversation %q not found", conv.ID)
	}
	s.conversations[conv.ID] = conv
	return nil
}

// GetConversation implements Store.
func (s *MemoryStore) GetConversation(id string) (models.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	return conv, ok, nil
}

// ListConversations implements Store. Returned in creation order.
func (s *MemoryStore) ListConversations() ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0, len(s.convOrder))
	for _, id := range s.convOrder {
		out = append(out, s.conversations[id])
	}
	return out, nil
}

// CreateChatMessage implements Store.
func (s *MemoryStore) CreateChatMessage(msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byRemoteID[msg.RemoteID]; exists {
		return fmt.Errorf("%w: remote id %q", ErrDuplicate, msg.RemoteID)
	}
	for _, existing := range s.messages {
		if existing.ConversationID == msg.ConversationID &&
			existing.SenderDeviceID == msg.SenderDeviceID &&
			existing.Order == msg.Order {
			return fmt.Errorf("%w: order %d from device %q", ErrDuplicate, msg.Order, msg.SenderDeviceID)
		}
	}

	s.messages = append(s.messages, msg)
	s.byRemoteID[msg.RemoteID] = len(s.messages) - 1
	return nil
}

// GetChatMessageByRemoteID implements Store.
func (s *MemoryStore) GetChatMessageByRemoteID(remoteID string) (models.ChatMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byRemoteID[remoteID]
	if !ok {
		return models.ChatMessage{}, false, nil
	}
	return s.messages[idx], true, nil
}

// ListChatMessages implements Store.
func (s *MemoryStore) ListChatMessages(conversationID string) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ChatMessage
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sortMessages(out)
	return out, nil
}

// ListChatMessagesBySender implements Store.
func (s *MemoryStore) ListChatMessagesBySender(conversationID string, sender models.DeviceID, fromOrder, toOrder int64) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ChatMessage
	for _, msg := range s.messages {
		if msg.ConversationID != conversationID || msg.SenderDeviceID != sender {
			continue
		}
		if msg.Order < fromOrder {
			continue
		}
		if toOrder > 0 && msg.Order > toOrder {
			continue
		}
		out = append(out, msg)
	}
	sortMessages(out)
	return out, nil
}

// SaveDeviceIdentity implements Store.
func (s *MemoryStore) SaveDeviceIdentity(rec models.StoredDeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.devices[rec.Owner]
	for i, dev := range existing {
		if dev.ID == rec.ID {
			existing[i] = rec
			return nil
		}
	}
	s.devices[rec.Owner] = append(existing, rec)
	return nil
}

// ListDeviceIdentities implements Store.
func (s *MemoryStore) ListDeviceIdentities(owner models.Username) ([]models.StoredDeviceIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Return a copy to prevent external modification.
	out := make([]models.StoredDeviceIdentity, len(s.devices[owner]))
	copy(out, s.devices[owner])
	return out, nil
}

// AppendTask implements Store.
func (s *MemoryStore) AppendTask(rec models.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = append(s.tasks, rec)
	return nil
}

// OldestTask implements Store.
func (s *MemoryStore) OldestTask() (models.TaskRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.tasks) == 0 {
		return models.TaskRecord{}, false, nil
	}
	return s.tasks[0], true, nil
}

// RemoveTask implements Store.
func (s *MemoryStore) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rec := range s.tasks {
		if rec.ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("task %q not found", id)
}

// ListTasks implements Store.
func (s *MemoryStore) ListTasks() ([]models.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TaskRecord, len(s.tasks))
	copy(out, s.tasks)
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// sortMessages orders by sender device, then the sender's own sequence.
func sortMessages(msgs []models.ChatMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SenderDeviceID != msgs[j].SenderDeviceID {
			return msgs[i].SenderDeviceID < msgs[j].SenderDeviceID
		}
		return msgs[i].Order < msgs[j].Order
	})
}
