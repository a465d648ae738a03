// Package sealclient is the application-facing API: encrypt for an identity,
// then decrypt with a signed session once the policy allows it.
package sealclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/threshold-seal/api"
	"github.com/ruteri/threshold-seal/cryptoutils"
	"github.com/ruteri/threshold-seal/envelope"
	"github.com/ruteri/threshold-seal/fetcher"
	"github.com/ruteri/threshold-seal/ibe"
	"github.com/ruteri/threshold-seal/interfaces"
	"github.com/ruteri/threshold-seal/policy"
	"github.com/ruteri/threshold-seal/seal"
	"github.com/ruteri/threshold-seal/session"
)

type Config struct {
	KeyServers []interfaces.KeyServerDescriptor
	Fetcher    fetcher.Config

	// ClientFactory overrides how key servers are reached. Defaults to HTTP.
	ClientFactory fetcher.ClientFactory

	// RequireAttestation makes VerifyKeyServers check attestation quotes.
	RequireAttestation bool

	// AllowDummyAttestation accepts development quotes. Never set it in
	// production.
	AllowDummyAttestation bool

	Log *slog.Logger
}

type cacheKey struct {
	identity string
	server   interfaces.KeyServerID
}

// Client caches verified user keys per (identity, key server) for its own
// lifetime. Separate clients never share keys.
type Client struct {
	set       *interfaces.KeyServerSet
	fetcher   *fetcher.Fetcher
	newClient fetcher.ClientFactory
	cfg       Config
	log       *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]*ibe.UserKey
}

func New(cfg Config) (*Client, error) {
	if cfg.Log == nil {
		return nil, errors.New("logger is required")
	}
	set, err := interfaces.NewKeyServerSet(cfg.KeyServers)
	if err != nil {
		return nil, err
	}
	if cfg.ClientFactory == nil {
		cfg.ClientFactory = fetcher.HTTPClientFactory
	}

	f, err := fetcher.New(set, cfg.ClientFactory, cfg.Fetcher, cfg.Log)
	if err != nil {
		return nil, err
	}

	return &Client{
		set:       set,
		fetcher:   f,
		newClient: cfg.ClientFactory,
		cfg:       cfg,
		log:       cfg.Log,
		cache:     make(map[cacheKey]*ibe.UserKey),
	}, nil
}

func (c *Client) KeyServers() *interfaces.KeyServerSet {
	return c.set
}

// VerifyKeyServers checks that every configured server reports the identity
// and public key of its descriptor and, if required, a valid attestation.
func (c *Client) VerifyKeyServers(ctx context.Context) error {
	var errs []error
	for _, d := range c.set.Descriptors() {
		if err := c.verifyKeyServer(ctx, d); err != nil {
			errs = append(errs, &interfaces.KeyServerError{ServerID: d.ID, URL: d.URL, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (c *Client) verifyKeyServer(ctx context.Context, d interfaces.KeyServerDescriptor) error {
	info, err := c.newClient(d).Service(ctx)
	if err != nil {
		return err
	}
	if info.ID != d.ID {
		return fmt.Errorf("%w: server reports id %s", interfaces.ErrInvalidKeyServer, info.ID)
	}
	if !bytes.Equal(info.PublicKey, d.PublicKey) {
		return fmt.Errorf("%w: server reports a different public key", interfaces.ErrInvalidKeyServer)
	}
	if interfaces.KeyServerIDFromPublicKey(info.PublicKey) != info.ID {
		return fmt.Errorf("%w: id does not match public key", interfaces.ErrInvalidKeyServer)
	}
	if c.cfg.RequireAttestation {
		reportData := api.ReportData(info.ID, info.PublicKey)
		if err := cryptoutils.VerifyAttestation(info.AttestationType, reportData, info.Attestation, c.cfg.AllowDummyAttestation); err != nil {
			return fmt.Errorf("%w: attestation: %w", interfaces.ErrInvalidKeyServer, err)
		}
	}
	return nil
}

// Encrypt seals plaintext for identity under threshold t of the configured
// key servers. It returns the encoded envelope and the backup key.
func (c *Client) Encrypt(identity interfaces.Identity, t int, plaintext []byte) ([]byte, seal.BackupKey, error) {
	env, backupKey, err := seal.Encrypt(identity, t, c.set, plaintext)
	if err != nil {
		return nil, seal.BackupKey{}, err
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return nil, seal.BackupKey{}, err
	}
	return data, backupKey, nil
}

// FetchKeys obtains and caches user keys for every envelope not already
// covered by the cache. All envelopes must be for the identity pc is about.
func (c *Client) FetchKeys(ctx context.Context, envelopes [][]byte, sess *session.Session, pc interfaces.PolicyContext) error {
	for _, data := range envelopes {
		env, err := envelope.Decode(data)
		if err != nil {
			return err
		}
		if _, err := c.ensureKeys(ctx, env, sess, pc); err != nil {
			return err
		}
	}
	return nil
}

// Decrypt opens an envelope, contacting key servers only if cached keys do
// not cover the threshold.
func (c *Client) Decrypt(ctx context.Context, data []byte, sess *session.Session, pc interfaces.PolicyContext) ([]byte, error) {
	env, err := envelope.Decode(data)
	if err != nil {
		return nil, err
	}

	result, err := c.ensureKeys(ctx, env, sess, pc)
	if err != nil {
		return nil, err
	}
	if result != nil {
		key, err := seal.RecoverKey(env, result.Shares)
		if err != nil {
			return nil, err
		}
		return seal.DecryptPayload(key, env)
	}

	return seal.DecryptWithUserKeys(env, c.cachedKeys(env))
}

// ensureKeys returns nil if the cache already covers env, or the fetch
// result after filling the cache.
func (c *Client) ensureKeys(ctx context.Context, env *envelope.Envelope, sess *session.Session, pc interfaces.PolicyContext) (*fetcher.Result, error) {
	if !sess.IsValid(time.Now()) {
		return nil, fmt.Errorf("%w: session is %s", interfaces.ErrCredentialExpired, sess.State(time.Now()))
	}
	if !sess.Namespace().Equal(env.Identity.Namespace()) {
		return nil, fmt.Errorf("%w: session is for namespace 0x%s, envelope for 0x%s", interfaces.ErrUnauthorized, sess.Namespace(), env.Identity.Namespace())
	}
	if len(c.cachedKeys(env)) >= int(env.Threshold) {
		c.log.Debug("using cached keys", "identity", env.Identity)
		return nil, nil
	}
	if err := policy.CheckContext(env.Identity, pc); err != nil {
		return nil, err
	}

	result, err := c.fetcher.FetchShares(ctx, env, sess, pc)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, userKey := range result.UserKeys {
		c.cache[cacheKey{identity: string(env.Identity), server: id}] = userKey
	}
	return result, nil
}

func (c *Client) cachedKeys(env *envelope.Envelope) map[interfaces.KeyServerID]*ibe.UserKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make(map[interfaces.KeyServerID]*ibe.UserKey)
	for _, id := range env.ServerIDs() {
		if userKey, ok := c.cache[cacheKey{identity: string(env.Identity), server: id}]; ok {
			keys[id] = userKey
		}
	}
	return keys
}

// ClearCache forgets every cached user key.
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.cache)
}
