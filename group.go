package cyphercore

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cypherkit/cyphercore/crypto"
	"github.com/cypherkit/cyphercore/models"
)

// CreateGroupChat publishes a new admin-signed group config and opens the
// local conversation for it. The calling account becomes the group's admin
// and is always a member; the config blob's content address is the group's
// identity everywhere.
func (m *Messenger) CreateGroupChat(members []models.Username, metadata json.RawMessage) (*GroupChat, error) {
	allMembers := models.NormalizeMembers(append([]models.Username{m.username}, members...))
	if len(allMembers) < 2 {
		return nil, fmt.Errorf("%w: a group needs at least one other member", ErrInvalidInput)
	}

	config := models.GroupChatConfig{
		Admin:    m.username,
		Members:  allMembers,
		Metadata: metadata,
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	blob, err := models.SignBlob(&config, m.username, m.deviceID, m.suite, m.deviceKeys.Private)
	if err != nil {
		return nil, err
	}
	encoded, err := blob.Encode()
	if err != nil {
		return nil, err
	}

	groupID, err := m.transport.PublishBlob(encoded)
	if err != nil {
		return nil, fmt.Errorf("publish group config: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateGroupChat",
		"group":    groupID,
		"members":  len(allMembers),
	}).Info("Group config published")

	m.mu.Lock()
	defer m.flushNotifications()
	defer m.mu.Unlock()
	return m.materializeGroupChat(groupID, config, nil)
}

// GetGroupChat returns the local conversation for a group id, or nil when
// the group has not been opened on this device.
func (m *Messenger) GetGroupChat(groupID crypto.ContentAddress) (*GroupChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getGroupChatLocked(groupID)
}

func (m *Messenger) getGroupChatLocked(groupID crypto.ContentAddress) (*GroupChat, error) {
	conversations, err := m.store.ListConversations()
	if err != nil {
		return nil, err
	}
	for _, conv := range conversations {
		decrypted, err := m.decryptConversation(conv)
		if err != nil {
			return nil, err
		}
		meta, ok := groupMetadataOf(decrypted.Props())
		if !ok || meta.Config.ID != groupID {
			continue
		}
		return &GroupChat{conversationHandle{m: m, id: conv.ID}, groupID, meta}, nil
	}
	return nil, nil
}

// OpenGroupChat resolves a group id to a trusted local conversation. A
// cached conversation is returned as-is; otherwise the config blob is
// fetched, structurally validated, and verified against the devices of its
// claimed admin before any conversation is created.
//
// A missing blob is ErrUnknownGroup. A blob that is malformed, fails its
// content-address check, or is not provably signed by the admin is
// ErrInvalidGroupConfig; both are terminal.
func (m *Messenger) OpenGroupChat(groupID crypto.ContentAddress) (*GroupChat, error) {
	m.mu.Lock()
	defer m.flushNotifications()
	defer m.mu.Unlock()
	return m.openGroupChatLocked(groupID)
}

func (m *Messenger) openGroupChatLocked(groupID crypto.ContentAddress) (*GroupChat, error) {
	cached, err := m.getGroupChatLocked(groupID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	data, found, err := m.transport.ReadBlob(groupID)
	if err != nil {
		return nil, fmt.Errorf("read group config: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	if !groupID.Matches(data) {
		return nil, fmt.Errorf("%w: blob does not match its address", ErrInvalidGroupConfig)
	}

	blob, err := models.DecodeSignedBlob(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGroupConfig, err)
	}

	var config models.GroupChatConfig
	if err := blob.ParseInto(&config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGroupConfig, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGroupConfig, err)
	}

	// The trust decision: the signature must verify under some device of
	// the config's own claimed admin. The claim is read before it is
	// trusted; verification is what turns the claim into fact.
	verified, err := m.directory.VerifyBlob(blob, config.Admin)
	if err != nil {
		return nil, fmt.Errorf("resolve admin devices: %w", err)
	}
	if !verified {
		return nil, fmt.Errorf("%w: not signed by a device of admin %q", ErrInvalidGroupConfig, config.Admin)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenGroupChat",
		"group":    groupID,
		"admin":    config.Admin,
	}).Debug("Group config verified")

	return m.materializeGroupChat(groupID, config, nil)
}

// materializeGroupChat creates the local conversation for a verified group
// config. Caller holds the account lock.
func (m *Messenger) materializeGroupChat(groupID crypto.ContentAddress, config models.GroupChatConfig, custom json.RawMessage) (*GroupChat, error) {
	meta := models.GroupMetadata{
		Custom: custom,
		Config: models.ReferencedBlob[models.GroupChatConfig]{ID: groupID, Blob: config},
	}
	metadata, err := json.Marshal(&meta)
	if err != nil {
		return nil, fmt.Errorf("encode group metadata: %w", err)
	}

	conv, err := m.createConversation(config.Members, metadata)
	if err != nil {
		return nil, err
	}
	return &GroupChat{conversationHandle{m: m, id: conv.ID}, groupID, meta}, nil
}

// groupMetadataOf extracts the group metadata of a conversation, if it is a
// group conversation at all.
func groupMetadataOf(props *models.ConversationProps) (models.GroupMetadata, bool) {
	if len(props.Metadata) == 0 {
		return models.GroupMetadata{}, false
	}
	var meta models.GroupMetadata
	if err := json.Unmarshal(props.Metadata, &meta); err != nil {
		return models.GroupMetadata{}, false
	}
	if meta.Config.ID == "" {
		return models.GroupMetadata{}, false
	}
	return meta, true
}
