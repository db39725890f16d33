package transport

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cypherkit/cyphercore/crypto"
	"github.com/cypherkit/cyphercore/models"
)

// SpoofHub is an in-process transport backbone for tests and examples. It
// stores published blobs content-addressed, keeps a device registry and
// routes delivery tasks between the clients attached to it.
type SpoofHub struct {
	mu       sync.Mutex
	blobs    map[crypto.ContentAddress][]byte
	devices  map[models.Username][]models.DeviceIdentity
	handlers map[models.Username]TaskHandler
	pending  map[models.Username][]models.Task
}

// NewSpoofHub creates an empty hub.
func NewSpoofHub() *SpoofHub {
	return &SpoofHub{
		blobs:    make(map[crypto.ContentAddress][]byte),
		devices:  make(map[models.Username][]models.DeviceIdentity),
		handlers: make(map[models.Username]TaskHandler),
		pending:  make(map[models.Username][]models.Task),
	}
}

// Client attaches a new transport client for user.
func (h *SpoofHub) Client(user models.Username) *SpoofClient {
	return &SpoofClient{hub: h, user: user}
}

// SpoofClient is one account's view of the hub. It implements Transport.
type SpoofClient struct {
	hub  *SpoofHub
	user models.Username

	mu           sync.Mutex
	failuresLeft int
	closed       bool
}

// FailNextSends makes the next n SendTask calls fail with
// ErrDeliveryFailed, for exercising the queue's retry policy.
func (c *SpoofClient) FailNextSends(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failuresLeft = n
}

// PublishBlob implements Transport.
func (c *SpoofClient) PublishBlob(payload []byte) (crypto.ContentAddress, error) {
	addr := crypto.AddressOf(payload)

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	// Immutable once published: identical content, identical address, so a
	// re-publish is a no-op rather than a conflict.
	if _, exists := c.hub.blobs[addr]; !exists {
		stored := make([]byte, len(payload))
		copy(stored, payload)
		c.hub.blobs[addr] = stored
	}
	return addr, nil
}

// ReadBlob implements Transport.
func (c *SpoofClient) ReadBlob(addr crypto.ContentAddress) ([]byte, bool, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	payload, ok := c.hub.blobs[addr]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, true, nil
}

// SendTask implements Transport. Tasks are routed synchronously to each
// recipient attached to the hub; recipients without a handler yet receive
// the task when they attach one.
func (c *SpoofClient) SendTask(task models.Task) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: client closed", ErrDeliveryFailed)
	}
	if c.failuresLeft > 0 {
		c.failuresLeft--
		c.mu.Unlock()
		return fmt.Errorf("%w: injected failure", ErrDeliveryFailed)
	}
	c.mu.Unlock()

	var recipients []models.Username
	switch task.Kind {
	case models.TaskSendMessage:
		if task.SendMessage == nil {
			return fmt.Errorf("%w: malformed sendMessage task", ErrDeliveryFailed)
		}
		recipients = []models.Username{task.SendMessage.Recipient}
	case models.TaskSendMultiRecipientMessage:
		if task.SendMulti == nil {
			return fmt.Errorf("%w: malformed multi-recipient task", ErrDeliveryFailed)
		}
		recipients = task.SendMulti.Recipients
	default:
		return fmt.Errorf("%w: unknown task kind %q", ErrDeliveryFailed, task.Kind)
	}

	for _, recipient := range recipients {
		// The sender's own copy already exists locally; the hub models one
		// device per user, so there is no second own-device to reach.
		if recipient == c.user {
			continue
		}
		c.hub.deliver(recipient, task)
	}
	return nil
}

func (h *SpoofHub) deliver(recipient models.Username, task models.Task) {
	h.mu.Lock()
	handler, online := h.handlers[recipient]
	if !online {
		h.pending[recipient] = append(h.pending[recipient], task)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if err := handler(task); err != nil {
		// Receiver-side processing failures are the receiver's problem;
		// the network accepted the task.
		logrus.WithFields(logrus.Fields{
			"function":  "deliver",
			"recipient": recipient,
			"task_id":   task.ID,
		}).WithError(err).Warn("Spoof recipient failed to process task")
	}
}

// PublishDeviceIdentity implements Transport.
func (c *SpoofClient) PublishDeviceIdentity(identity models.DeviceIdentity) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	existing := c.hub.devices[identity.Owner]
	for i, dev := range existing {
		if dev.DeviceID == identity.DeviceID {
			existing[i] = identity
			return nil
		}
	}
	c.hub.devices[identity.Owner] = append(existing, identity)
	return nil
}

// FetchDeviceIdentities implements Transport.
func (c *SpoofClient) FetchDeviceIdentities(user models.Username) ([]models.DeviceIdentity, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	out := make([]models.DeviceIdentity, len(c.hub.devices[user]))
	copy(out, c.hub.devices[user])
	return out, nil
}

// SetTaskHandler implements Transport. Tasks that arrived while this
// account was offline are replayed immediately.
func (c *SpoofClient) SetTaskHandler(handler TaskHandler) {
	c.hub.mu.Lock()
	c.hub.handlers[c.user] = handler
	backlog := c.hub.pending[c.user]
	delete(c.hub.pending, c.user)
	c.hub.mu.Unlock()

	for _, task := range backlog {
		if err := handler(task); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "SetTaskHandler",
				"recipient": c.user,
				"task_id":   task.ID,
			}).WithError(err).Warn("Spoof backlog task failed to process")
		}
	}
}

// Close implements Transport.
func (c *SpoofClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	delete(c.hub.handlers, c.user)
	c.hub.mu.Unlock()
	return nil
}
