package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cypherkit/cyphercore/crypto"
)

func TestSignedBlobVerify(t *testing.T) {
	suite := crypto.NewSuite()
	keys, err := crypto.GenerateIdentityKeyPair()
	require.NoError(t, err)

	config := GroupChatConfig{
		Admin:      "m0",
		Members:    NormalizeMembers([]Username{"m0", "m1"}),
		Moderators: []Username{"m0"},
	}

	blob, err := SignBlob(config, "m0", "device-a", suite, keys.Private)
	require.NoError(t, err)

	assert.True(t, blob.IsSignedBy(suite, keys.Public))

	forger, err := crypto.GenerateIdentityKeyPair()
	require.NoError(t, err)
	assert.False(t, blob.IsSignedBy(suite, forger.Public))
}

func TestSignedBlobParseWithoutVerification(t *testing.T) {
	suite := crypto.NewSuite()
	keys, err := crypto.GenerateIdentityKeyPair()
	require.NoError(t, err)

	config := GroupChatConfig{Admin: "m0", Members: []Username{"m0", "m1"}}
	blob, err := SignBlob(config, "m0", "device-a", suite, keys.Private)
	require.NoError(t, err)

	// Structural parse works regardless of who we later verify against.
	var parsed GroupChatConfig
	require.NoError(t, blob.ParseInto(&parsed))
	assert.Equal(t, Username("m0"), parsed.Admin)

	var wrong struct {
		Admin []int `json:"admin"`
	}
	assert.Error(t, blob.ParseInto(&wrong))
}

func TestSignedBlobEncodeDecode(t *testing.T) {
	suite := crypto.NewSuite()
	keys, err := crypto.GenerateIdentityKeyPair()
	require.NoError(t, err)

	blob, err := SignBlob(GroupChatConfig{Admin: "m0", Members: []Username{"m0", "m1"}}, "m0", "device-a", suite, keys.Private)
	require.NoError(t, err)

	data, err := blob.Encode()
	require.NoError(t, err)

	decoded, err := DecodeSignedBlob(data)
	require.NoError(t, err)
	assert.Equal(t, blob.Signer, decoded.Signer)
	assert.True(t, decoded.IsSignedBy(suite, keys.Public))

	// Content addressing is stable across encode/decode.
	reencoded, err := decoded.Encode()
	require.NoError(t, err)
	assert.Equal(t, crypto.AddressOf(data), crypto.AddressOf(reencoded))

	_, err = DecodeSignedBlob([]byte("not json"))
	assert.Error(t, err)
}

func TestGroupChatConfigValidate(t *testing.T) {
	testCases := []struct {
		name    string
		config  GroupChatConfig
		wantErr bool
	}{
		{"valid", GroupChatConfig{Admin: "m0", Members: []Username{"m0", "m1"}}, false},
		{"no admin", GroupChatConfig{Members: []Username{"m0", "m1"}}, true},
		{"single member", GroupChatConfig{Admin: "m0", Members: []Username{"m0"}}, true},
		{"admin not member", GroupChatConfig{Admin: "m2", Members: []Username{"m0", "m1"}}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNormalizeMembers(t *testing.T) {
	members := NormalizeMembers([]Username{"m1", "m0", "m1", "m0"})
	assert.Equal(t, []Username{"m0", "m1"}, members)
	assert.True(t, MembersEqual(members, []Username{"m0", "m1"}))
	assert.False(t, MembersEqual(members, []Username{"m0"}))
	assert.True(t, HasMember(members, "m1"))
	assert.False(t, HasMember(members, "m2"))
}
