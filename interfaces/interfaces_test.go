package interfaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNamespace = ContractAddress{0xab, 0xcd}

func TestIdentity(t *testing.T) {
	id, err := NewIdentity(testNamespace, []byte("doc-42"))
	require.NoError(t, err)
	assert.Equal(t, testNamespace, id.Namespace())
	assert.Equal(t, []byte("doc-42"), id.InnerID())
	require.NoError(t, id.Validate())

	_, err = NewIdentity(testNamespace, nil)
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	_, err = NewIdentity(testNamespace, make([]byte, MaxInnerIDLength+1))
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = ParseIdentity(testNamespace[:])
	assert.ErrorIs(t, err, ErrInvalidIdentity, "namespace alone is not an identity")

	encoded, err := json.Marshal(id)
	require.NoError(t, err)
	var decoded Identity
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.True(t, id.Equal(decoded))
}

func TestContractAddressText(t *testing.T) {
	addr, err := NewContractAddressFromHex("0x00000000000000000000000000000000000000ff")
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000000000000000000000000ff", addr.String())

	var parsed ContractAddress
	require.NoError(t, parsed.UnmarshalText([]byte(addr.String())))
	assert.True(t, parsed.Equal(addr))

	_, err = NewContractAddressFromHex("0xff")
	assert.Error(t, err)
}

func TestKeyServerSet(t *testing.T) {
	a := KeyServerDescriptor{ID: KeyServerIDFromPublicKey([]byte("a")), PublicKey: []byte("a"), URL: "http://a"}
	b := KeyServerDescriptor{ID: KeyServerIDFromPublicKey([]byte("b")), PublicKey: []byte("b"), URL: "http://b"}

	set, err := NewKeyServerSet([]KeyServerDescriptor{a, b, a})
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []KeyServerID{a.ID, b.ID}, set.IDs())

	got, found := set.Get(b.ID)
	assert.True(t, found)
	assert.Equal(t, b, got)

	conflicting := a
	conflicting.PublicKey = []byte("other")
	_, err = NewKeyServerSet([]KeyServerDescriptor{a, conflicting})
	assert.ErrorIs(t, err, ErrDuplicateKeyServer)

	_, err = NewKeyServerSet([]KeyServerDescriptor{{ID: a.ID}})
	assert.ErrorIs(t, err, ErrInvalidKeyServer)

	var empty *KeyServerSet
	assert.Zero(t, empty.Len())
	assert.Empty(t, empty.IDs())
}

func TestKeyServerIDText(t *testing.T) {
	id := KeyServerIDFromPublicKey([]byte("pk"))
	encoded, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded KeyServerID
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, id, decoded)

	_, err = NewKeyServerIDFromHex("abcd")
	assert.Error(t, err)
}

func TestErrorsAndRetry(t *testing.T) {
	wrapped := &KeyServerError{ServerID: KeyServerID{0x01}, URL: "http://ks", Err: fmt.Errorf("dial: %w", ErrUnreachable)}
	assert.True(t, IsRetryable(wrapped))
	assert.True(t, errors.Is(errors.Join(wrapped), ErrUnreachable))
	assert.Contains(t, wrapped.Error(), "01000000")

	assert.False(t, IsRetryable(&KeyServerError{Err: ErrUnauthorized}))
	assert.False(t, IsRetryable(ErrCredentialExpired))
}

func TestPolicyContextDigest(t *testing.T) {
	pc := PolicyContext{Target: testNamespace, CallData: []byte{0x01}, BlockNumber: 7}
	other := pc
	other.BlockNumber = 8
	assert.NotEqual(t, pc.Digest(), other.Digest())

	other = pc
	other.CallData = []byte{0x02}
	assert.NotEqual(t, pc.Digest(), other.Digest())
	assert.Equal(t, pc.Digest(), PolicyContext{Target: testNamespace, CallData: []byte{0x01}, BlockNumber: 7}.Digest())
}
