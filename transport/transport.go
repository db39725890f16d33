package transport

import (
	"errors"

	"github.com/cypherkit/cyphercore/crypto"
	"github.com/cypherkit/cyphercore/models"
)

// ErrDeliveryFailed indicates the transport could not hand a task to the
// network. Retryable: the task queue backs off and tries again up to its
// attempt budget.
var ErrDeliveryFailed = errors.New("transport: delivery failed")

// TaskHandler consumes an inbound delivery task on the receiving side.
type TaskHandler func(task models.Task) error

// Transport is the network capability the messenger requires.
//
// Blob storage is content-addressed and immutable once published: reading
// back the address always yields the exact bytes that were published, or
// nothing.
type Transport interface {
	// PublishBlob stores a serialized signed blob and returns its content
	// address.
	PublishBlob(payload []byte) (crypto.ContentAddress, error)

	// ReadBlob fetches a published blob. The boolean is false when no blob
	// exists under the address.
	ReadBlob(addr crypto.ContentAddress) ([]byte, bool, error)

	// SendTask hands one delivery task to the network. An error means the
	// network did not accept the task; the caller owns retries.
	SendTask(task models.Task) error

	// PublishDeviceIdentity announces this account's device so other users
	// can resolve it. The identity is the verified output of the pairing
	// handshake, which is outside the core.
	PublishDeviceIdentity(identity models.DeviceIdentity) error

	// FetchDeviceIdentities resolves all known devices of a username.
	FetchDeviceIdentities(user models.Username) ([]models.DeviceIdentity, error)

	// SetTaskHandler registers the inbound consumer for tasks addressed to
	// this account.
	SetTaskHandler(handler TaskHandler)

	// Close shuts the transport down.
	Close() error
}
