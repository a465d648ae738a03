package keyserverhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/threshold-seal/api"
	"github.com/ruteri/threshold-seal/cryptoutils"
	"github.com/ruteri/threshold-seal/ibe"
	"github.com/ruteri/threshold-seal/interfaces"
	"github.com/ruteri/threshold-seal/keyserver"
	"github.com/ruteri/threshold-seal/metrics"
	"github.com/ruteri/threshold-seal/policy"
	"github.com/ruteri/threshold-seal/session"
)

// RequestIDHeader carries the id fetch_key responses are logged under.
const RequestIDHeader = "X-Request-Id"

// HandlerKeyServer is what the handler needs from a key server.
type HandlerKeyServer interface {
	ID() interfaces.KeyServerID
	ExtractUserKey(identity interfaces.Identity) (*ibe.UserKey, error)
	ServiceInfo() (*api.ServiceResponse, error)
}

// Handler serves one key server. Every fetch request is checked in a fixed
// order, cheapest first, and the first failing check decides the rejection.
type Handler struct {
	ks      HandlerKeyServer
	bridge  interfaces.PolicyBridge
	limiter *keyserver.PrincipalLimiter
	remote  *keyserver.RemoteLimiter
	metrics *metrics.KeyServerMetrics
	log     *slog.Logger

	grace time.Duration
	now   func() time.Time
}

// NewHandler creates the handler. limiter and m may be nil.
func NewHandler(ks HandlerKeyServer, bridge interfaces.PolicyBridge, limiter *keyserver.PrincipalLimiter, m *metrics.KeyServerMetrics, log *slog.Logger) *Handler {
	return &Handler{
		ks:      ks,
		bridge:  bridge,
		limiter: limiter,
		metrics: m,
		log:     log,
		grace:   session.ClockSkewGrace,
		now:     time.Now,
	}
}

// WithRemoteLimiter limits fetch requests per remote address before any
// authentication work is done.
func (h *Handler) WithRemoteLimiter(l *keyserver.RemoteLimiter) *Handler {
	h.remote = l
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/v1/service", h.HandleService)
	r.Post("/v1/fetch_key", h.HandleFetchKey)
}

// HandleService returns the server's id, public key and attestation.
func (h *Handler) HandleService(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServiceRequest()

	info, err := h.ks.ServiceInfo()
	if err != nil {
		h.log.Error("could not produce service info", "err", err)
		h.reject(w, http.StatusServiceUnavailable, api.CodeUnavailable, fmt.Errorf("could not produce service info: %w", err))
		return
	}

	h.writeJSON(w, info)
}

// HandleFetchKey processes a key request.
//
// Checks, in order:
//  1. per-address rate limit (429)
//  2. well-formed request (400)
//  3. credential signature and validity window (401)
//  4. credential namespace matches the identity (403)
//  5. request signed by the credential's session key (401)
//  6. per-principal rate limit (429)
//  7. this server is among the requested ones (400)
//  8. policy context is about this identity and pins a block (403)
//  9. policy bridge approves (403, or 503 if it cannot decide)
//
// The user key is then returned ECIES-encrypted to the session key.
func (h *Handler) HandleFetchKey(w http.ResponseWriter, r *http.Request) {
	started := h.now()
	requestID := uuid.NewString()
	log := h.log.With("request_id", requestID)
	w.Header().Set(RequestIDHeader, requestID)

	result := api.CodeInvalidRequest
	defer func() { h.metrics.FetchKey(result, started) }()

	fail := func(status int, code string, err error) {
		result = code
		h.reject(w, status, code, err)
	}

	if !h.remote.Allow(remoteHost(r)) {
		fail(http.StatusTooManyRequests, api.CodeRateLimited, errors.New("too many requests from this address"))
		return
	}

	var req api.FetchKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, api.DefaultMaxRequestBodyBytes)).Decode(&req); err != nil {
		fail(http.StatusBadRequest, api.CodeInvalidRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := req.Identity.Validate(); err != nil {
		fail(http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	principal := req.Credential.Principal
	if err := session.VerifyCredential(req.Credential, h.now(), h.grace); err != nil {
		status, code := api.RejectionFor(err)
		fail(status, code, err)
		return
	}

	if !req.Credential.Namespace.Equal(req.Identity.Namespace()) {
		fail(http.StatusForbidden, api.CodeUnauthorized, fmt.Errorf("%w: credential is for namespace 0x%s", interfaces.ErrUnauthorized, req.Credential.Namespace))
		return
	}

	if err := session.VerifyRequestSignature(req.Credential, req.SigningDigest(), req.Signature); err != nil {
		status, code := api.RejectionFor(err)
		fail(status, code, err)
		return
	}

	if !h.limiter.Allow(principal) {
		fail(http.StatusTooManyRequests, api.CodeRateLimited, fmt.Errorf("too many requests for %s", principal.Hex()))
		return
	}

	if !req.Names(h.ks.ID()) {
		fail(http.StatusBadRequest, api.CodeInvalidRequest, fmt.Errorf("%w: request does not name key server %s", interfaces.ErrInvalidRequest, h.ks.ID()))
		return
	}

	if err := policy.CheckContext(req.Identity, req.PolicyContext); err != nil {
		fail(http.StatusForbidden, api.CodeUnauthorized, err)
		return
	}

	approved, err := h.bridge.Authorize(r.Context(), principal, req.Identity, req.PolicyContext)
	if err != nil {
		h.metrics.PolicyEvaluation("error")
		log.Warn("policy evaluation failed", "principal", principal, "identity", req.Identity, "err", err)
		fail(http.StatusServiceUnavailable, api.CodeUnavailable, fmt.Errorf("could not evaluate policy: %w", err))
		return
	}
	if !approved {
		h.metrics.PolicyEvaluation("denied")
		fail(http.StatusForbidden, api.CodeUnauthorized, fmt.Errorf("%w: policy denied %s", interfaces.ErrUnauthorized, principal.Hex()))
		return
	}
	h.metrics.PolicyEvaluation("approved")

	userKey, err := h.ks.ExtractUserKey(req.Identity)
	if err != nil {
		log.Error("could not extract user key", "identity", req.Identity, "err", err)
		fail(http.StatusServiceUnavailable, api.CodeUnavailable, errors.New("could not extract user key"))
		return
	}

	encrypted, err := cryptoutils.EncryptWithPublicKey(req.Credential.SessionPubkey, userKey.Marshal(), api.ResponseAssociatedData(h.ks.ID(), req.Identity))
	if err != nil {
		fail(http.StatusBadRequest, api.CodeInvalidRequest, fmt.Errorf("could not encrypt to session key: %w", err))
		return
	}

	result = "ok"
	log.Debug("released user key", "principal", principal, "identity", req.Identity, "block", req.PolicyContext.BlockNumber)
	h.writeJSON(w, &api.FetchKeyResponse{
		KeyServerID:  h.ks.ID(),
		EncryptedKey: encrypted,
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) reject(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(&api.ErrorResponse{
		KeyServerID: h.ks.ID(),
		Error:       api.ErrorBody{Code: code, Message: err.Error()},
	}); encErr != nil {
		h.log.Error("Failed to encode rejection", "err", encErr)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
}
