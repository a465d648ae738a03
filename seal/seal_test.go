package seal

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/ruteri/threshold-seal/envelope"
	"github.com/ruteri/threshold-seal/ibe"
	"github.com/ruteri/threshold-seal/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	master     *ibe.MasterKey
	descriptor interfaces.KeyServerDescriptor
}

func setupServers(t *testing.T, n int) ([]testServer, *interfaces.KeyServerSet) {
	servers := make([]testServer, n)
	descriptors := make([]interfaces.KeyServerDescriptor, n)
	for i := range servers {
		master, err := ibe.Setup(rand.Reader)
		require.NoError(t, err)
		pk := master.PublicParams().Marshal()
		servers[i] = testServer{
			master: master,
			descriptor: interfaces.KeyServerDescriptor{
				ID:        interfaces.KeyServerIDFromPublicKey(pk),
				PublicKey: pk,
				URL:       fmt.Sprintf("http://server-%d", i),
			},
		}
		descriptors[i] = servers[i].descriptor
	}
	set, err := interfaces.NewKeyServerSet(descriptors)
	require.NoError(t, err)
	return servers, set
}

func testIdentity(t *testing.T, name string) interfaces.Identity {
	ns, err := interfaces.NewContractAddressFromHex("0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	id, err := interfaces.NewIdentity(ns, []byte(name))
	require.NoError(t, err)
	return id
}

func decryptShares(t *testing.T, env *envelope.Envelope, servers []testServer, indices ...int) []DecryptedShare {
	shares := make([]DecryptedShare, 0, len(indices))
	for _, i := range indices {
		userKey, err := servers[i].master.Extract(env.Identity)
		require.NoError(t, err)
		share, err := DecryptShare(env, servers[i].descriptor.ID, userKey)
		require.NoError(t, err)
		shares = append(shares, share)
	}
	return shares
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		threshold int
		n         int
		subsets   [][]int
	}{
		{1, 1, [][]int{{0}}},
		{1, 3, [][]int{{0}, {1}, {2}}},
		{2, 3, [][]int{{0, 1}, {0, 2}, {1, 2}, {2, 0}}},
		{3, 3, [][]int{{0, 1, 2}, {2, 1, 0}}},
		{3, 5, [][]int{{0, 2, 4}, {4, 3, 1}}},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("%d-of-%d", tc.threshold, tc.n), func(t *testing.T) {
			servers, set := setupServers(t, tc.n)
			identity := testIdentity(t, "doc-42")
			plaintext := []byte("hello")

			env, backupKey, err := Encrypt(identity, tc.threshold, set, plaintext)
			require.NoError(t, err)
			assert.Len(t, env.Shares, tc.n)
			assert.Equal(t, uint8(tc.threshold), env.Threshold)

			for _, subset := range tc.subsets {
				key, err := RecoverKey(env, decryptShares(t, env, servers, subset...))
				require.NoError(t, err)
				assert.Equal(t, backupKey, key)

				decrypted, err := DecryptPayload(key, env)
				require.NoError(t, err)
				assert.Equal(t, plaintext, decrypted)
			}
		})
	}
}

func TestBackupKeyDecryptsOffline(t *testing.T) {
	_, set := setupServers(t, 3)
	env, backupKey, err := Encrypt(testIdentity(t, "doc-42"), 2, set, []byte("hello"))
	require.NoError(t, err)

	encoded, err := envelope.Encode(env)
	require.NoError(t, err)

	parsedKey, err := ParseBackupKey(backupKey.Hex())
	require.NoError(t, err)
	plaintext, err := DecryptWithBackupKey(parsedKey, encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)

	_, err = ParseBackupKey("abcd")
	assert.Error(t, err)
}

func TestRecoverKeyInsufficientShares(t *testing.T) {
	servers, set := setupServers(t, 5)
	env, _, err := Encrypt(testIdentity(t, "doc-42"), 3, set, []byte("hello"))
	require.NoError(t, err)

	shares := decryptShares(t, env, servers, 0, 3)
	_, err = RecoverKey(env, shares)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)

	// a repeated share does not count twice
	_, err = RecoverKey(env, append(shares, shares[0]))
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)

	_, err = RecoverKey(env, nil)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
}

func TestRecoverKeyRejectsInconsistentShare(t *testing.T) {
	servers, set := setupServers(t, 3)
	env, _, err := Encrypt(testIdentity(t, "doc-42"), 2, set, []byte("hello"))
	require.NoError(t, err)

	shares := decryptShares(t, env, servers, 0, 1)
	shares[1].Value = bytes.Clone(shares[1].Value)
	shares[1].Value[0] ^= 0xff
	_, err = RecoverKey(env, shares)
	assert.ErrorIs(t, err, interfaces.ErrShareVerificationFailed)

	shares = decryptShares(t, env, servers, 0, 1)
	shares[1].ServerID = interfaces.KeyServerID{0xde, 0xad}
	_, err = RecoverKey(env, shares)
	assert.ErrorIs(t, err, interfaces.ErrShareVerificationFailed)

	// a share moved to another server's slot fails its commitment
	shares = decryptShares(t, env, servers, 0, 1)
	shares[1].ServerID = servers[2].descriptor.ID
	_, err = RecoverKey(env, shares)
	assert.ErrorIs(t, err, interfaces.ErrShareVerificationFailed)
}

func TestDecryptShareWithWrongIdentityKey(t *testing.T) {
	servers, set := setupServers(t, 2)
	env, _, err := Encrypt(testIdentity(t, "doc-42"), 2, set, []byte("hello"))
	require.NoError(t, err)

	wrongKey, err := servers[0].master.Extract(testIdentity(t, "doc-43"))
	require.NoError(t, err)
	_, err = DecryptShare(env, servers[0].descriptor.ID, wrongKey)
	assert.ErrorIs(t, err, interfaces.ErrShareVerificationFailed)

	otherServerKey, err := servers[1].master.Extract(env.Identity)
	require.NoError(t, err)
	_, err = DecryptShare(env, servers[0].descriptor.ID, otherServerKey)
	assert.ErrorIs(t, err, interfaces.ErrShareVerificationFailed)
}

func TestTamperedPayloadFailsAuthentication(t *testing.T) {
	_, set := setupServers(t, 1)
	env, key, err := Encrypt(testIdentity(t, "doc-42"), 1, set, []byte("hello"))
	require.NoError(t, err)

	original := bytes.Clone(env.Payload)
	for i := range original {
		env.Payload = bytes.Clone(original)
		env.Payload[i] ^= 0x01
		plaintext, err := DecryptPayload(key, env)
		require.ErrorIs(t, err, interfaces.ErrAuthenticationFailed, "byte %d", i)
		require.Nil(t, plaintext)
	}

	env.Payload = original
	env.Threshold = 2
	_, err = DecryptPayload(key, env)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed, "header is bound to the payload")

	env.Threshold = 1
	var wrongKey DataKey
	_, err = DecryptPayload(wrongKey, env)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed)
}

func TestDecryptWithUserKeys(t *testing.T) {
	servers, set := setupServers(t, 3)
	env, _, err := Encrypt(testIdentity(t, "doc-42"), 2, set, []byte("hello"))
	require.NoError(t, err)

	keys := map[interfaces.KeyServerID]*ibe.UserKey{}
	for _, i := range []int{0, 2} {
		userKey, err := servers[i].master.Extract(env.Identity)
		require.NoError(t, err)
		keys[servers[i].descriptor.ID] = userKey
	}

	plaintext, err := DecryptWithUserKeys(env, keys)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)

	delete(keys, servers[2].descriptor.ID)
	_, err = DecryptWithUserKeys(env, keys)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
}

func TestEncryptValidation(t *testing.T) {
	_, set := setupServers(t, 2)
	identity := testIdentity(t, "doc-42")

	_, _, err := Encrypt(identity, 1, nil, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrEmptyKeyServerSet)

	empty, err := interfaces.NewKeyServerSet(nil)
	require.NoError(t, err)
	_, _, err = Encrypt(identity, 1, empty, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrEmptyKeyServerSet)

	_, _, err = Encrypt(identity, 0, set, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidThreshold)

	_, _, err = Encrypt(identity, 3, set, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidThreshold)

	_, _, err = Encrypt(interfaces.Identity("short"), 1, set, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidIdentity)

	broken, err := interfaces.NewKeyServerSet([]interfaces.KeyServerDescriptor{{ID: interfaces.KeyServerID{1}, PublicKey: []byte{1, 2, 3}}})
	require.NoError(t, err)
	_, _, err = Encrypt(identity, 1, broken, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidKeyServer)
}
