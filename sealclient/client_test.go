package sealclient

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/threshold-seal/api/keyserverhandler"
	"github.com/ruteri/threshold-seal/cryptoutils"
	"github.com/ruteri/threshold-seal/fetcher"
	"github.com/ruteri/threshold-seal/interfaces"
	"github.com/ruteri/threshold-seal/keyserver"
	"github.com/ruteri/threshold-seal/policy"
	"github.com/ruteri/threshold-seal/seal"
	"github.com/ruteri/threshold-seal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNamespace = interfaces.ContractAddress{0xc0, 0xff, 0xee}

type testDeployment struct {
	descriptors []interfaces.KeyServerDescriptor
	servers     []*httptest.Server
	bridge      *policy.AllowlistBridge
	requests    atomic.Int32
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDeployment(t *testing.T, n int) *testDeployment {
	d := &testDeployment{bridge: policy.NewAllowlistBridge(nil)}
	for i := 0; i < n; i++ {
		ks, err := keyserver.New(bytes.Repeat([]byte{byte(0x10 + i)}, 32), cryptoutils.DummyAttestationProvider{})
		require.NoError(t, err)

		mux := chi.NewRouter()
		keyserverhandler.NewHandler(ks, d.bridge, nil, nil, testLogger()).RegisterRoutes(mux)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/fetch_key" {
				d.requests.Add(1)
			}
			mux.ServeHTTP(w, r)
		}))
		t.Cleanup(srv.Close)

		d.servers = append(d.servers, srv)
		d.descriptors = append(d.descriptors, ks.Descriptor(srv.URL))
	}
	return d
}

func newClient(t *testing.T, d *testDeployment) *Client {
	c, err := New(Config{
		KeyServers: d.descriptors,
		Fetcher:    fetcher.Config{BatchSize: 1, MaxAttempts: 1, RequestTimeout: 2 * time.Second},
		Log:        testLogger(),
	})
	require.NoError(t, err)
	return c
}

func newSession(t *testing.T, namespace interfaces.ContractAddress) *session.Session {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := session.NewPrivateKeySigner(key)
	sess, err := session.New(signer.Address(), namespace, session.DefaultTTL)
	require.NoError(t, err)
	require.NoError(t, session.Sign(context.Background(), sess, signer))
	return sess
}

func identityAndContext(t *testing.T, innerID string) (interfaces.Identity, interfaces.PolicyContext) {
	identity, err := interfaces.NewIdentity(testNamespace, []byte(innerID))
	require.NoError(t, err)
	pc, err := policy.NewContext(identity, nil, 1)
	require.NoError(t, err)
	return identity, pc
}

func TestEncryptDecryptUsesCache(t *testing.T) {
	d := newDeployment(t, 3)
	client := newClient(t, d)
	sess := newSession(t, testNamespace)
	d.bridge.Allow(sess.Principal(), testNamespace)

	identity, pc := identityAndContext(t, "doc-42")
	data, backupKey, err := client.Encrypt(identity, 2, []byte("board minutes"))
	require.NoError(t, err)

	plaintext, err := client.Decrypt(context.Background(), data, sess, pc)
	require.NoError(t, err)
	assert.Equal(t, []byte("board minutes"), plaintext)
	assert.Equal(t, int32(2), d.requests.Load())

	for _, srv := range d.servers {
		srv.Close()
	}
	plaintext, err = client.Decrypt(context.Background(), data, sess, pc)
	require.NoError(t, err, "cached keys avoid the network")
	assert.Equal(t, []byte("board minutes"), plaintext)

	second, _, err := client.Encrypt(identity, 2, []byte("second version"))
	require.NoError(t, err)
	plaintext, err = client.Decrypt(context.Background(), second, sess, pc)
	require.NoError(t, err, "user keys are per identity, not per envelope")
	assert.Equal(t, []byte("second version"), plaintext)

	offline, err := seal.DecryptWithBackupKey(backupKey, data)
	require.NoError(t, err)
	assert.Equal(t, []byte("board minutes"), offline)

	client.ClearCache()
	_, err = client.Decrypt(context.Background(), data, sess, pc)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
}

func TestFetchKeysThenDecrypt(t *testing.T) {
	d := newDeployment(t, 2)
	client := newClient(t, d)
	sess := newSession(t, testNamespace)
	d.bridge.Allow(sess.Principal(), testNamespace)

	identity, pc := identityAndContext(t, "doc-7")
	first, _, err := client.Encrypt(identity, 2, []byte("one"))
	require.NoError(t, err)
	second, _, err := client.Encrypt(identity, 1, []byte("two"))
	require.NoError(t, err)

	require.NoError(t, client.FetchKeys(context.Background(), [][]byte{first, second}, sess, pc))
	assert.Equal(t, int32(2), d.requests.Load(), "second envelope served from cache")

	plaintext, err := client.Decrypt(context.Background(), second, sess, pc)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), plaintext)
	assert.Equal(t, int32(2), d.requests.Load())
}

func TestDecryptRejections(t *testing.T) {
	d := newDeployment(t, 2)
	client := newClient(t, d)
	identity, pc := identityAndContext(t, "doc-42")
	data, _, err := client.Encrypt(identity, 1, []byte("secret"))
	require.NoError(t, err)

	foreign := newSession(t, interfaces.ContractAddress{0x01})
	d.bridge.Allow(foreign.Principal(), testNamespace)
	_, err = client.Decrypt(context.Background(), data, foreign, pc)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	sess := newSession(t, testNamespace)
	_, err = client.Decrypt(context.Background(), data, sess, pc)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	_, otherPC := identityAndContext(t, "doc-43")
	d.bridge.Allow(sess.Principal(), testNamespace)
	_, err = client.Decrypt(context.Background(), data, sess, otherPC)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	_, err = client.Decrypt(context.Background(), []byte{0x01}, sess, pc)
	assert.ErrorIs(t, err, interfaces.ErrMalformedEnvelope)

	assert.Equal(t, int32(2), d.requests.Load(), "only the denied attempt reached the servers")
}

func TestVerifyKeyServers(t *testing.T) {
	d := newDeployment(t, 2)

	client, err := New(Config{KeyServers: d.descriptors, RequireAttestation: true, AllowDummyAttestation: true, Log: testLogger()})
	require.NoError(t, err)
	assert.NoError(t, client.VerifyKeyServers(context.Background()))

	strict, err := New(Config{KeyServers: d.descriptors, RequireAttestation: true, Log: testLogger()})
	require.NoError(t, err)
	assert.ErrorIs(t, strict.VerifyKeyServers(context.Background()), interfaces.ErrInvalidKeyServer)

	swapped := []interfaces.KeyServerDescriptor{d.descriptors[0], d.descriptors[1]}
	swapped[0].URL, swapped[1].URL = d.descriptors[1].URL, d.descriptors[0].URL
	misconfigured, err := New(Config{KeyServers: swapped, Log: testLogger()})
	require.NoError(t, err)
	err = misconfigured.VerifyKeyServers(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrInvalidKeyServer)

	d.servers[0].Close()
	err = client.VerifyKeyServers(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrUnreachable)
}

func TestDecryptRequiresSignedSession(t *testing.T) {
	d := newDeployment(t, 1)
	client := newClient(t, d)
	identity, pc := identityAndContext(t, "doc-1")
	data, _, err := client.Encrypt(identity, 1, []byte("x"))
	require.NoError(t, err)

	unsigned, err := session.New(common.Address{0x01}, testNamespace, session.DefaultTTL)
	require.NoError(t, err)
	_, err = client.Decrypt(context.Background(), data, unsigned, pc)
	assert.ErrorIs(t, err, interfaces.ErrCredentialExpired)
	assert.Zero(t, d.requests.Load())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Log: testLogger()})
	assert.ErrorIs(t, err, interfaces.ErrEmptyKeyServerSet)

	_, err = New(Config{})
	assert.Error(t, err)
}
