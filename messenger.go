package cyphercore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cypherkit/cyphercore/crypto"
	"github.com/cypherkit/cyphercore/directory"
	"github.com/cypherkit/cyphercore/event"
	"github.com/cypherkit/cyphercore/models"
	"github.com/cypherkit/cyphercore/queue"
	"github.com/cypherkit/cyphercore/store"
	"github.com/cypherkit/cyphercore/transport"
)

// Options contains configuration for creating a Messenger.
type Options struct {
	// Suite is the cryptographic capability. Defaults to the NaCl suite.
	Suite crypto.Suite
	// Queue tunes the delivery retry policy.
	Queue queue.Config
	// IsMasterDevice marks this device as the account's master device.
	IsMasterDevice bool
}

// NewOptions returns Options with production defaults.
func NewOptions() *Options {
	return &Options{
		Suite:          crypto.NewSuite(),
		Queue:          queue.DefaultConfig(),
		IsMasterDevice: true,
	}
}

// Messenger is one local account: a username plus one device, and the unit
// of execution serialization. All mutations to this account's
// conversations, order counters and task queue run under its lock; separate
// Messenger instances share nothing and talk only through the transport.
type Messenger struct {
	username   models.Username
	deviceID   models.DeviceID
	deviceKeys *crypto.IdentityKeyPair
	dbKey      crypto.SymmetricKey
	suite      crypto.Suite

	store     store.Store
	transport transport.Transport
	directory *directory.Directory
	queue     *queue.Queue
	events    event.Handler

	// mu serializes account mutations. The account-scoped keys above are
	// read-only after construction.
	mu sync.Mutex

	// pending holds notification hooks queued while mu was held. They run
	// after the lock is released so plugins can call back into the
	// messenger without deadlocking.
	pending []func()
}

// RegisterMessenger creates a fresh account: new database key, new device
// identity, announced to the transport, with the delivery queue running.
func RegisterMessenger(username models.Username, opts *Options, tr transport.Transport, st store.Store, handler event.Handler) (*Messenger, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: empty username", ErrInvalidInput)
	}
	if opts == nil {
		opts = NewOptions()
	}
	suite := opts.Suite
	if suite == nil {
		suite = crypto.NewSuite()
	}

	dbKey, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	deviceKeys, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate device identity: %w", err)
	}

	m := &Messenger{
		username:   username,
		deviceID:   models.DeviceID(uuid.NewString()),
		deviceKeys: deviceKeys,
		dbKey:      dbKey,
		suite:      suite,
		store:      st,
		transport:  tr,
		events:     handler,
	}
	m.directory = directory.New(username, st, tr, suite, dbKey)
	m.queue = queue.New(st, suite, dbKey, tr, opts.Queue)

	self := models.DeviceIdentity{
		Owner:             username,
		DeviceID:          m.deviceID,
		PublicIdentityKey: deviceKeys.Public,
		IsMaster:          opts.IsMasterDevice,
	}
	if err := m.directory.AddDevice(self); err != nil {
		return nil, err
	}
	if err := tr.PublishDeviceIdentity(self); err != nil {
		return nil, fmt.Errorf("announce device: %w", err)
	}

	tr.SetTaskHandler(m.handleIncomingTask)
	m.queue.Start()

	logrus.WithFields(logrus.Fields{
		"function": "RegisterMessenger",
		"username": username,
		"device":   m.deviceID,
	}).Info("Messenger registered")

	return m, nil
}

// Username returns the account's username.
func (m *Messenger) Username() models.Username {
	return m.username
}

// DeviceID returns this device's identifier.
func (m *Messenger) DeviceID() models.DeviceID {
	return m.deviceID
}

// OnDeliveryFailure registers the observer for sends whose delivery retries
// are exhausted. The original send call has long returned by then; this
// channel is how the failure reaches the application.
func (m *Messenger) OnDeliveryFailure(fn queue.FailureFunc) {
	m.queue.OnDeliveryFailure(fn)
}

// Synchronize drains the outbound queue to a settled state, including retry
// waits. Intended for tests and explicit flush points; normal operation
// relies on the background drain.
func (m *Messenger) Synchronize() error {
	return m.queue.Drain()
}

// CancelTask cancels a queued delivery task that has not been handed to the
// transport yet.
func (m *Messenger) CancelTask(taskID string) error {
	return m.queue.Cancel(taskID)
}

// AddDevice offers a verified device identity to the account, consulting
// the device-registry decision hook before caching it.
func (m *Messenger) AddDevice(identity models.DeviceIdentity) error {
	action, err := m.events.OnDeviceRegistryRequest(identity)
	if err != nil {
		return err
	}

	switch action {
	case event.RegistryReject:
		return fmt.Errorf("%w: device registration rejected", ErrInvalidInput)
	case event.RegistryIgnore:
		return nil
	default:
		return m.directory.AddDevice(identity)
	}
}

// Close stops the delivery queue and releases the collaborators. Both the
// transport and the store are closed even when one of them fails.
func (m *Messenger) Close() error {
	m.queue.Stop()
	return errors.Join(m.transport.Close(), m.store.Close())
}

// notifyLater queues a notification hook to run once the account lock is
// released. Caller holds the lock.
func (m *Messenger) notifyLater(fn func()) {
	m.pending = append(m.pending, fn)
}

// flushNotifications runs queued notification hooks. Must be called without
// the account lock held; hooks are free to call back into the messenger.
func (m *Messenger) flushNotifications() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// decryptConversation opens a stored conversation with the account key.
func (m *Messenger) decryptConversation(conv models.Conversation) (*models.Decrypted[models.ConversationProps], error) {
	decrypted, err := conv.Payload.Decrypt(m.suite, m.dbKey)
	if err != nil {
		return nil, fmt.Errorf("conversation %q: %w", conv.ID, err)
	}
	return decrypted, nil
}
