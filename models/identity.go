package models

import (
	"sort"

	"github.com/cypherkit/cyphercore/crypto"
)

// Username identifies an account. Opaque and comparable.
type Username string

// DeviceID identifies one device belonging to one account.
type DeviceID string

// DeviceIdentity is the unit of cryptographic trust: a device's public
// signing key plus metadata. Immutable once created. Identities for other
// users are cached copies; the authoritative source is each device's
// self-signed registration, verified before it ever reaches this type.
type DeviceIdentity struct {
	Owner             Username             `json:"owner"`
	DeviceID          DeviceID             `json:"deviceId"`
	PublicIdentityKey [crypto.KeySize]byte `json:"publicIdentityKey"`
	IsMaster          bool                 `json:"isMaster"`
}

// StoredDeviceIdentity is the persisted form of a cached device identity:
// the owner stays plaintext as the query index, the identity itself is
// encrypted at rest.
type StoredDeviceIdentity struct {
	ID      string
	Owner   Username
	Payload Encrypted[DeviceIdentity]
}

// NormalizeMembers sorts and deduplicates a member list so member sets can
// be compared as slices.
func NormalizeMembers(members []Username) []Username {
	seen := make(map[Username]struct{}, len(members))
	out := make([]Username, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MembersEqual reports whether two normalized member lists contain the same
// usernames.
func MembersEqual(a, b []Username) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HasMember reports whether user is in the normalized member list.
func HasMember(members []Username, user Username) bool {
	for _, m := range members {
		if m == user {
			return true
		}
	}
	return false
}
