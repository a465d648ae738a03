// Package fetcher collects enough verified key shares to decrypt an envelope.
//
// Key servers are queried in envelope order, in batches of Config.BatchSize
// requests running in parallel. Workers only perform I/O and hand their
// outcome to a buffered channel; a single aggregator verifies each response
// and records it. As soon as the threshold is met the remaining requests are
// cancelled and any late response is dropped.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/threshold-seal/api"
	"github.com/ruteri/threshold-seal/api/keyserverhandler"
	"github.com/ruteri/threshold-seal/envelope"
	"github.com/ruteri/threshold-seal/ibe"
	"github.com/ruteri/threshold-seal/interfaces"
	"github.com/ruteri/threshold-seal/seal"
	"github.com/ruteri/threshold-seal/session"
)

type Config struct {
	// BatchSize bounds the number of concurrent key server requests.
	BatchSize int

	// RequestTimeout bounds a single attempt against one key server.
	RequestTimeout time.Duration

	// Deadline bounds the whole FetchShares call.
	Deadline time.Duration

	// MaxAttempts is the number of tries per key server for retryable
	// failures.
	MaxAttempts int

	// RetryBackoff is the wait before the second attempt; it grows linearly.
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      10,
		RequestTimeout: 10 * time.Second,
		Deadline:       30 * time.Second,
		MaxAttempts:    3,
		RetryBackoff:   200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Deadline <= 0 {
		c.Deadline = d.Deadline
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}

// ClientFactory creates the API client for a key server.
type ClientFactory func(d interfaces.KeyServerDescriptor) api.KeyServerAPI

// HTTPClientFactory returns clients speaking HTTP to the descriptor URL.
func HTTPClientFactory(d interfaces.KeyServerDescriptor) api.KeyServerAPI {
	return keyserverhandler.NewClient(d.URL, nil)
}

type keyServer struct {
	descriptor interfaces.KeyServerDescriptor
	params     *ibe.PublicParams
	client     api.KeyServerAPI
}

// Fetcher is bound to a key server set. It keeps no state between calls and
// is safe for concurrent use.
type Fetcher struct {
	servers map[interfaces.KeyServerID]*keyServer
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func New(set *interfaces.KeyServerSet, newClient ClientFactory, cfg Config, log *slog.Logger) (*Fetcher, error) {
	if set.Len() == 0 {
		return nil, interfaces.ErrEmptyKeyServerSet
	}
	if newClient == nil {
		newClient = HTTPClientFactory
	}

	servers := make(map[interfaces.KeyServerID]*keyServer, set.Len())
	for _, d := range set.Descriptors() {
		params, err := ibe.UnmarshalPublicParams(d.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", interfaces.ErrInvalidKeyServer, d.ID.Short(), err)
		}
		servers[d.ID] = &keyServer{descriptor: d, params: params, client: newClient(d)}
	}

	return &Fetcher{
		servers: servers,
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     time.Now,
	}, nil
}

// Result is the outcome of one FetchShares call.
type Result struct {
	// Shares holds verified shares in arrival order.
	Shares []seal.DecryptedShare

	// UserKeys holds the verified user key of every server that answered.
	UserKeys map[interfaces.KeyServerID]*ibe.UserKey

	// Failures holds the error of every server that did not contribute.
	Failures map[interfaces.KeyServerID]error
}

type outcome struct {
	server   *keyServer
	response *api.FetchKeyResponse
	err      error
}

// FetchShares gathers env.Threshold verified shares for env. A share counts
// only if the user key decrypts, passes the pairing check against the
// server's public key and opens the server's share. Failing to reach the
// threshold yields ErrInsufficientShares joined with every per-server
// *interfaces.KeyServerError.
func (f *Fetcher) FetchShares(ctx context.Context, env *envelope.Envelope, sess *session.Session, pc interfaces.PolicyContext) (*Result, error) {
	if !sess.IsValid(f.now()) {
		return nil, fmt.Errorf("%w: session is %s", interfaces.ErrCredentialExpired, sess.State(f.now()))
	}
	if !sess.Namespace().Equal(env.Identity.Namespace()) {
		return nil, fmt.Errorf("%w: session is for namespace 0x%s, envelope for 0x%s", interfaces.ErrUnauthorized, sess.Namespace(), env.Identity.Namespace())
	}

	result := &Result{
		UserKeys: make(map[interfaces.KeyServerID]*ibe.UserKey),
		Failures: make(map[interfaces.KeyServerID]error),
	}

	targets := make([]*keyServer, 0, len(env.Shares))
	for _, id := range env.ServerIDs() {
		if ks, ok := f.servers[id]; ok {
			targets = append(targets, ks)
		} else {
			result.Failures[id] = &interfaces.KeyServerError{ServerID: id, Err: fmt.Errorf("%w: not in the configured key server set", interfaces.ErrInvalidKeyServer)}
		}
	}

	threshold := int(env.Threshold)
	if len(targets) < threshold {
		return result, f.insufficient(result, threshold)
	}

	ids := make([]interfaces.KeyServerID, len(targets))
	for i, ks := range targets {
		ids[i] = ks.descriptor.ID
	}
	req, err := api.NewFetchKeyRequest(sess, env.Identity, pc, ids)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Deadline)
	defer cancel()

	outcomes := make(chan outcome, len(targets))
	for start := 0; start < len(targets); start += f.cfg.BatchSize {
		batch := targets[start:min(start+f.cfg.BatchSize, len(targets))]
		for _, ks := range batch {
			go func(ks *keyServer) {
				resp, err := f.fetchOne(ctx, ks, req)
				outcomes <- outcome{server: ks, response: resp, err: err}
			}(ks)
		}

		for range batch {
			o := <-outcomes
			f.record(env, sess, result, o)
			if len(result.Shares) >= threshold {
				f.log.Debug("threshold reached", "identity", env.Identity, "shares", len(result.Shares), "threshold", threshold)
				return result, nil
			}
		}

		if ctx.Err() != nil {
			break
		}
	}

	for _, ks := range targets {
		id := ks.descriptor.ID
		if _, done := result.UserKeys[id]; done {
			continue
		}
		if _, failed := result.Failures[id]; !failed {
			result.Failures[id] = &interfaces.KeyServerError{ServerID: id, URL: ks.descriptor.URL, Err: fmt.Errorf("%w: %w", interfaces.ErrUnreachable, ctx.Err())}
		}
	}
	return result, f.insufficient(result, threshold)
}

// record verifies an outcome and files it as a share or a failure. Only the
// aggregating goroutine calls it.
func (f *Fetcher) record(env *envelope.Envelope, sess *session.Session, result *Result, o outcome) {
	id := o.server.descriptor.ID
	fail := func(err error) {
		f.log.Debug("key server failed", "server", id.Short(), "url", o.server.descriptor.URL, "err", err)
		result.Failures[id] = &interfaces.KeyServerError{ServerID: id, URL: o.server.descriptor.URL, Err: err}
	}

	if o.err != nil {
		fail(o.err)
		return
	}
	if o.response.KeyServerID != id {
		fail(fmt.Errorf("%w: response from key server %s", interfaces.ErrShareVerificationFailed, o.response.KeyServerID.Short()))
		return
	}

	marshalled, err := sess.DecryptResponse(o.response.EncryptedKey, api.ResponseAssociatedData(id, env.Identity))
	if err != nil {
		fail(fmt.Errorf("%w: could not decrypt user key: %w", interfaces.ErrShareVerificationFailed, err))
		return
	}
	userKey, err := ibe.UnmarshalUserKey(marshalled)
	if err != nil {
		fail(fmt.Errorf("%w: %w", interfaces.ErrShareVerificationFailed, err))
		return
	}
	if !o.server.params.VerifyUserKey(env.Identity, userKey) {
		fail(fmt.Errorf("%w: user key does not match the public key", interfaces.ErrShareVerificationFailed))
		return
	}

	share, err := seal.DecryptShare(env, id, userKey)
	if err != nil {
		fail(err)
		return
	}

	result.UserKeys[id] = userKey
	result.Shares = append(result.Shares, share)
}

// fetchOne requests one key server, retrying transport failures.
func (f *Fetcher) fetchOne(ctx context.Context, ks *keyServer, req *api.FetchKeyRequest) (*api.FetchKeyResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
		resp, err := ks.client.FetchKey(reqCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !interfaces.IsRetryable(err) || attempt == f.cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(time.Duration(attempt) * f.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w (last error: %w)", interfaces.ErrUnreachable, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (f *Fetcher) insufficient(result *Result, threshold int) error {
	errs := make([]error, 0, len(result.Failures)+1)
	errs = append(errs, fmt.Errorf("%w: collected %d of %d", interfaces.ErrInsufficientShares, len(result.Shares), threshold))
	for _, err := range result.Failures {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
