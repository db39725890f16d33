package cyphercore

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cypherkit/cyphercore/event"
	"github.com/cypherkit/cyphercore/models"
	"github.com/cypherkit/cyphercore/store"
)

// sendMessage is the single outbound path for conversation messages. It
// consults the pre-send hook, assigns the conversation's next order number,
// optionally persists the local copy, and enqueues one multi-recipient
// delivery task covering every device of every member.
//
// The wire task always carries a fresh message id, whether or not a local
// record was saved. An observer of the wire shape cannot tell a saved
// message from an ephemeral one.
func (m *Messenger) sendMessage(conversationID string, target models.Target, message models.CypherMessage, push models.PushType) (*ChatMessageView, error) {
	m.mu.Lock()
	defer m.flushNotifications()
	defer m.mu.Unlock()

	_, props, err := m.loadConversation(conversationID)
	if err != nil {
		return nil, err
	}

	message.Target = target
	if message.SentDate.IsZero() {
		message.SentDate = time.Now()
	}

	recipients := props.Members

	action, err := m.events.OnSendMessage(&event.SentMessageContext{
		Recipients:     recipients,
		Message:        message,
		ConversationID: conversationID,
		Target:         target,
	})
	if err != nil {
		return nil, fmt.Errorf("send rejected: %w", err)
	}

	// The order number advances for every send, saved or not, and the
	// incremented counter is committed before the task can leave.
	var saved *ChatMessageView
	messageID := uuid.NewString()

	_, err = m.mutateConversation(conversationID, func(p *models.ConversationProps) {
		message.Order = p.NextLocalOrder()
	})
	if err != nil {
		return nil, err
	}

	if action != event.SendOnly {
		view, err := m.persistOutbound(conversationID, message, messageID)
		if err != nil {
			return nil, err
		}
		saved = view
	}

	// Resolve every recipient's devices up front so missing identities fail
	// the send here rather than inside the delivery retries.
	for _, recipient := range recipients {
		if _, err := m.directory.Devices(recipient); err != nil {
			return nil, err
		}
	}

	task := models.Task{
		ID:           uuid.NewString(),
		Kind:         models.TaskSendMultiRecipientMessage,
		Sender:       m.username,
		SenderDevice: m.deviceID,
		EnqueuedAt:   time.Now(),
		SendMulti: &models.SendMultiRecipientMessageTask{
			Message:    message,
			MessageID:  messageID,
			Recipients: recipients,
			PushType:   push,
		},
	}
	if saved != nil {
		task.SendMulti.LocalID = saved.ID
	}

	if err := m.queue.Enqueue(task); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "sendMessage",
		"conversation": conversationID,
		"task_id":      task.ID,
		"saved":        saved != nil,
	}).Debug("Message enqueued")

	return saved, nil
}

// persistOutbound saves the local copy of an outbound message. Caller holds
// the account lock.
func (m *Messenger) persistOutbound(conversationID string, message models.CypherMessage, messageID string) (*ChatMessageView, error) {
	props := models.MessageProps{
		Message:      message,
		SenderUser:   m.username,
		SenderDevice: m.deviceID,
	}
	payload, err := models.EncryptModel(&props, m.suite, m.dbKey)
	if err != nil {
		return nil, err
	}

	msg := models.ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderDeviceID: m.deviceID,
		Order:          message.Order,
		RemoteID:       messageID,
		Payload:        payload,
	}
	if err := m.store.CreateChatMessage(msg); err != nil {
		return nil, fmt.Errorf("save outbound message: %w", err)
	}

	ev := event.MessageEvent{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		RemoteID:       messageID,
	}
	m.notifyLater(func() { m.events.OnCreateChatMessage(ev) })

	return &ChatMessageView{
		ID:             msg.ID,
		ConversationID: conversationID,
		RemoteID:       messageID,
		Sender:         m.username,
		SenderDevice:   m.deviceID,
		Order:          msg.Order,
		Message:        message,
	}, nil
}

// writeMessage sends a message directly to every device of the given
// recipients, one delivery task per device, with no local record. This is
// the path for protocol-internal signals such as cross-device sync.
func (m *Messenger) writeMessage(message models.CypherMessage, recipients []models.Username) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if message.SentDate.IsZero() {
		message.SentDate = time.Now()
	}

	for _, recipient := range recipients {
		devices, err := m.directory.Devices(recipient)
		if err != nil {
			return err
		}
		for _, device := range devices {
			if device.Owner == m.username && device.DeviceID == m.deviceID {
				continue
			}
			task := models.Task{
				ID:           uuid.NewString(),
				Kind:         models.TaskSendMessage,
				Sender:       m.username,
				SenderDevice: m.deviceID,
				EnqueuedAt:   time.Now(),
				SendMessage: &models.SendMessageTask{
					Message:           message,
					Recipient:         device.Owner,
					RecipientDeviceID: device.DeviceID,
					MessageID:         uuid.NewString(),
				},
			}
			if err := m.queue.Enqueue(task); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleIncomingTask is the inbound consumer registered with the transport.
// It resolves the local conversation for the task's target, deduplicates by
// the wire message id, consults the pre-receive hook, and persists the
// message under the sender's own order number.
func (m *Messenger) handleIncomingTask(task models.Task) error {
	var message models.CypherMessage
	var remoteID string

	switch task.Kind {
	case models.TaskSendMessage:
		if task.SendMessage == nil {
			return fmt.Errorf("%w: malformed sendMessage task", ErrInvalidInput)
		}
		message = task.SendMessage.Message
		remoteID = task.SendMessage.MessageID
	case models.TaskSendMultiRecipientMessage:
		if task.SendMulti == nil {
			return fmt.Errorf("%w: malformed multi-recipient task", ErrInvalidInput)
		}
		message = task.SendMulti.Message
		remoteID = task.SendMulti.MessageID
	default:
		return fmt.Errorf("%w: unknown task kind %q", ErrInvalidInput, task.Kind)
	}

	m.mu.Lock()
	defer m.flushNotifications()
	defer m.mu.Unlock()

	// Our own device fanned this out; the local copy already exists.
	if task.Sender == m.username && task.SenderDevice == m.deviceID {
		return nil
	}

	conversationID, err := m.resolveInboundConversation(task.Sender, message.Target)
	if err != nil {
		return err
	}

	// At-least-once delivery: retries reuse the message id, so a second
	// arrival is dropped here.
	if remoteID != "" {
		if _, found, err := m.store.GetChatMessageByRemoteID(remoteID); err != nil {
			return err
		} else if found {
			return nil
		}
	} else {
		remoteID = uuid.NewString()
	}

	action, err := m.events.OnReceiveMessage(&event.ReceivedMessageContext{
		Sender:         task.Sender,
		SenderDevice:   task.SenderDevice,
		Message:        message,
		ConversationID: conversationID,
		RemoteID:       remoteID,
	})
	if err != nil {
		return err
	}
	if action == event.ReceiveIgnore {
		return nil
	}

	// Magic messages are protocol-internal signals. Plugins have seen the
	// message through the hook above; it never enters chat history.
	if message.Type == models.MessageTypeMagic {
		return nil
	}

	props := models.MessageProps{
		Message:      message,
		SenderUser:   task.Sender,
		SenderDevice: task.SenderDevice,
	}
	payload, err := models.EncryptModel(&props, m.suite, m.dbKey)
	if err != nil {
		return err
	}

	msg := models.ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderDeviceID: task.SenderDevice,
		Order:          message.Order,
		RemoteID:       remoteID,
		Payload:        payload,
	}
	if err := m.store.CreateChatMessage(msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("save inbound message: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "handleIncomingTask",
		"conversation": conversationID,
		"sender":       task.Sender,
		"remote_id":    remoteID,
	}).Debug("Inbound message saved")

	ev := event.MessageEvent{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		RemoteID:       remoteID,
	}
	m.notifyLater(func() { m.events.OnCreateChatMessage(ev) })
	return nil
}

// resolveInboundConversation maps an inbound message's target to a local
// conversation, creating private chats and opening verified groups on
// demand. Caller holds the account lock.
func (m *Messenger) resolveInboundConversation(sender models.Username, target models.Target) (string, error) {
	switch target.Kind {
	case models.TargetSelf:
		if sender != m.username {
			return "", fmt.Errorf("%w: self-targeted message from %q", ErrInvalidInput, sender)
		}
		conv, err := m.internalConversationLocked()
		if err != nil {
			return "", err
		}
		return conv.ID(), nil

	case models.TargetUser:
		// From our own other device the partner is the named user; from
		// anyone else the partner is the sender.
		partner := sender
		if sender == m.username {
			partner = target.User
		}
		chat, err := m.getPrivateChatLocked(partner)
		if err != nil {
			return "", err
		}
		if chat == nil {
			chat, err = m.createPrivateChatLocked(partner)
			if err != nil {
				return "", err
			}
		}
		return chat.ID(), nil

	case models.TargetGroup:
		chat, err := m.openGroupChatLocked(target.Group)
		if err != nil {
			return "", err
		}
		return chat.ID(), nil

	default:
		return "", fmt.Errorf("%w: unknown target kind %q", ErrInvalidInput, target.Kind)
	}
}
