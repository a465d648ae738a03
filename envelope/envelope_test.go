package envelope

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/threshold-seal/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity(t *testing.T) interfaces.Identity {
	ns, err := interfaces.NewContractAddressFromHex("0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)
	id, err := interfaces.NewIdentity(ns, []byte("doc-42"))
	require.NoError(t, err)
	return id
}

func testShares(n int) []EncryptedShare {
	shares := make([]EncryptedShare, n)
	for i := range shares {
		shares[i] = EncryptedShare{
			ServerID:      interfaces.KeyServerID{byte(i + 1)},
			Encapsulation: bytes.Repeat([]byte{0xaa, byte(i)}, 64),
			Ciphertext:    bytes.Repeat([]byte{0xbb, byte(i)}, 30),
			Commitment:    [CommitmentSize]byte{byte(i), 0xcc},
		}
	}
	return shares
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := New(testIdentity(t), 2, testShares(3), []byte("sealed payload"))
	require.NoError(t, err)

	encoded, err := Encode(env)
	require.NoError(t, err)
	assert.Equal(t, Version1, encoded[0])

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.True(t, env.Equal(decoded))

	reencoded, err := Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, encoded, reencoded, "encoding must be canonical")

	again, err := Encode(env)
	require.NoError(t, err)
	assert.Equal(t, encoded, again)
}

func TestNewRejectsInvalidStructure(t *testing.T) {
	id := testIdentity(t)

	_, err := New(id, 0, testShares(3), []byte("p"))
	assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope)

	_, err = New(id, 4, testShares(3), []byte("p"))
	assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope)

	_, err = New(id, 1, nil, []byte("p"))
	assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope)

	dup := testShares(2)
	dup[1].ServerID = dup[0].ServerID
	_, err = New(id, 1, dup, []byte("p"))
	assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope)

	_, err = New(interfaces.Identity([]byte("short")), 1, testShares(1), []byte("p"))
	assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope)
	assert.ErrorIs(t, err, interfaces.ErrInvalidIdentity)
}

func TestDecodeMalformed(t *testing.T) {
	env, err := New(testIdentity(t), 2, testShares(3), []byte("sealed payload"))
	require.NoError(t, err)
	valid, err := Encode(env)
	require.NoError(t, err)

	withBody := func(b body) []byte {
		encoded, err := rlp.EncodeToBytes(&b)
		require.NoError(t, err)
		return append([]byte{Version1}, encoded...)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"version only", []byte{Version1}},
		{"truncated", valid[:len(valid)-5]},
		{"trailing bytes", append(append([]byte{}, valid...), 0x00)},
		{"threshold above share count", withBody(body{Identity: env.Identity, Threshold: 4, Shares: env.Shares, Payload: env.Payload})},
		{"zero threshold", withBody(body{Identity: env.Identity, Threshold: 0, Shares: env.Shares, Payload: env.Payload})},
		{"no shares", withBody(body{Identity: env.Identity, Threshold: 1, Payload: env.Payload})},
		{"empty identity", withBody(body{Threshold: 1, Shares: env.Shares, Payload: env.Payload})},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope)
			assert.True(t, IsMalformed(err))
		})
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	env, err := New(testIdentity(t), 1, testShares(1), []byte("x"))
	require.NoError(t, err)
	encoded, err := Encode(env)
	require.NoError(t, err)

	encoded[0] = 2
	_, err = Decode(encoded)
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedVersion)
	assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope)
}

func TestAssociatedDataCoversHeader(t *testing.T) {
	env, err := New(testIdentity(t), 2, testShares(3), []byte("payload"))
	require.NoError(t, err)
	ad, err := env.AssociatedData()
	require.NoError(t, err)

	env.Payload = []byte("different payload")
	sameAD, err := env.AssociatedData()
	require.NoError(t, err)
	assert.Equal(t, ad, sameAD, "payload is not part of the header")

	env.Threshold = 3
	changed, err := env.AssociatedData()
	require.NoError(t, err)
	assert.NotEqual(t, ad, changed)
}

func TestShareIndex(t *testing.T) {
	env, err := New(testIdentity(t), 2, testShares(3), []byte("payload"))
	require.NoError(t, err)

	idx, found := env.ShareIndex(interfaces.KeyServerID{3})
	assert.True(t, found)
	assert.Equal(t, 2, idx)

	_, found = env.ShareIndex(interfaces.KeyServerID{9})
	assert.False(t, found)
	assert.Len(t, env.ServerIDs(), 3)
}
