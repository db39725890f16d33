package directory

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cypherkit/cyphercore/crypto"
	"github.com/cypherkit/cyphercore/models"
	"github.com/cypherkit/cyphercore/store"
)

// DeviceSource fetches the verified device identities of a username. The
// transport collaborator provides this; the pairing handshake that verified
// the identities is outside the core.
type DeviceSource interface {
	FetchDeviceIdentities(user models.Username) ([]models.DeviceIdentity, error)
}

// Directory is the query view over known device identities for an account.
type Directory struct {
	self   models.Username
	store  store.Store
	source DeviceSource
	suite  crypto.Suite
	key    crypto.SymmetricKey
}

// New creates a directory backed by the account's store and the transport's
// device registry.
func New(self models.Username, st store.Store, source DeviceSource, suite crypto.Suite, key crypto.SymmetricKey) *Directory {
	return &Directory{self: self, store: st, source: source, suite: suite, key: key}
}

// AddDevice caches a verified device identity, encrypted at rest.
func (d *Directory) AddDevice(identity models.DeviceIdentity) error {
	payload, err := models.EncryptModel(&identity, d.suite, d.key)
	if err != nil {
		return err
	}

	rec := models.StoredDeviceIdentity{
		ID:      fmt.Sprintf("%s/%s", identity.Owner, identity.DeviceID),
		Owner:   identity.Owner,
		Payload: payload,
	}
	if err := d.store.SaveDeviceIdentity(rec); err != nil {
		return fmt.Errorf("cache device identity: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "AddDevice",
		"owner":    identity.Owner,
		"device":   identity.DeviceID,
	}).Debug("Device identity cached")

	return nil
}

// Devices resolves all known device identities of user. Cache hit returns
// the local copies; a miss fetches from the source and caches the result.
func (d *Directory) Devices(user models.Username) ([]models.DeviceIdentity, error) {
	cached, err := d.store.ListDeviceIdentities(user)
	if err != nil {
		return nil, fmt.Errorf("list cached devices: %w", err)
	}

	if len(cached) > 0 {
		out := make([]models.DeviceIdentity, 0, len(cached))
		for _, rec := range cached {
			decrypted, err := rec.Payload.Decrypt(d.suite, d.key)
			if err != nil {
				return nil, fmt.Errorf("device cache for %q: %w", user, err)
			}
			out = append(out, *decrypted.Props())
		}
		return out, nil
	}

	return d.refresh(user)
}

// Refresh bypasses the cache and refetches user's devices from the source.
func (d *Directory) Refresh(user models.Username) ([]models.DeviceIdentity, error) {
	return d.refresh(user)
}

func (d *Directory) refresh(user models.Username) ([]models.DeviceIdentity, error) {
	fetched, err := d.source.FetchDeviceIdentities(user)
	if err != nil {
		return nil, fmt.Errorf("fetch devices of %q: %w", user, err)
	}

	for _, identity := range fetched {
		if err := d.AddDevice(identity); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "refresh",
		"user":     user,
		"devices":  len(fetched),
	}).Debug("Device identities fetched from source")

	return fetched, nil
}

// VerifyBlob checks a signed blob against every known device of the claimed
// signer. First verifying device wins; no verifying device means the blob
// is not provably theirs.
func (d *Directory) VerifyBlob(blob *models.SignedBlob, claimed models.Username) (bool, error) {
	devices, err := d.Devices(claimed)
	if err != nil {
		return false, err
	}

	for _, device := range devices {
		if blob.IsSignedBy(d.suite, device.PublicIdentityKey) {
			return true, nil
		}
	}
	return false, nil
}
