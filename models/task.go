package models

import "time"

// TaskKind discriminates queued delivery tasks.
type TaskKind string

const (
	// TaskSendMessage delivers a message to one specific recipient device.
	TaskSendMessage TaskKind = "sendMessage"
	// TaskSendMultiRecipientMessage delivers one message to every device of
	// every recipient in a single logical operation.
	TaskSendMultiRecipientMessage TaskKind = "sendMultiRecipientMessage"
)

// SendMessageTask targets a single recipient device directly, bypassing
// multi-recipient framing. Used for protocol-internal signals; nothing is
// persisted on the sending side, but MessageID is minted at enqueue time so
// at-least-once redelivery stays deduplicable on the receiver.
type SendMessageTask struct {
	Message           CypherMessage `json:"message"`
	Recipient         Username      `json:"recipient"`
	RecipientDeviceID DeviceID      `json:"recipientDeviceId"`
	LocalID           string        `json:"localId,omitempty"`
	MessageID         string        `json:"messageId"`
}

// SendMultiRecipientMessageTask carries one logical send to all devices of
// all recipients. MessageID is always non-empty, including for messages the
// sender chose not to persist, so the wire shape never reveals whether a
// local record exists.
type SendMultiRecipientMessageTask struct {
	Message    CypherMessage `json:"message"`
	MessageID  string        `json:"messageId"`
	Recipients []Username    `json:"recipients"`
	LocalID    string        `json:"localId,omitempty"`
	PushType   PushType      `json:"pushType"`
}

// Task is a durable queue entry: a tagged variant of the two send shapes.
// Exactly one of SendMessage / SendMulti is set, matching Kind.
type Task struct {
	ID           string                         `json:"id"`
	Kind         TaskKind                       `json:"kind"`
	Sender       Username                       `json:"sender"`
	SenderDevice DeviceID                       `json:"senderDevice"`
	EnqueuedAt   time.Time                      `json:"enqueuedAt"`
	SendMessage  *SendMessageTask               `json:"sendMessage,omitempty"`
	SendMulti    *SendMultiRecipientMessageTask `json:"sendMulti,omitempty"`
}

// MessageID returns the delivery id carried by either task variant.
func (t *Task) MessageID() string {
	switch t.Kind {
	case TaskSendMessage:
		if t.SendMessage != nil {
			return t.SendMessage.MessageID
		}
	case TaskSendMultiRecipientMessage:
		if t.SendMulti != nil {
			return t.SendMulti.MessageID
		}
	}
	return ""
}

// TaskRecord is the persisted form of a queue entry: the id stays plaintext
// for queue bookkeeping, the task itself is encrypted at rest like every
// other payload.
type TaskRecord struct {
	ID      string
	Payload Encrypted[Task]
}
