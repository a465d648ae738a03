package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/threshold-seal/interfaces"
	"github.com/ruteri/threshold-seal/session"
)

// KeyServerAPI is the client view of a single key server.
type KeyServerAPI interface {
	// Service returns the server's identity and attestation.
	Service(ctx context.Context) (*ServiceResponse, error)

	// FetchKey asks for the user key of req.Identity. The returned key is
	// encrypted to the session key of req.Credential.
	FetchKey(ctx context.Context, req *FetchKeyRequest) (*FetchKeyResponse, error)
}

// FetchKeyRequest is the body of POST /v1/fetch_key.
type FetchKeyRequest struct {
	Identity      interfaces.Identity      `json:"identity"`
	Credential    session.Credential       `json:"credential"`
	PolicyContext interfaces.PolicyContext `json:"policy_context"`

	// KeyServerIDs lists every server the client is asking in this round.
	// A server refuses requests that do not name it.
	KeyServerIDs []interfaces.KeyServerID `json:"key_server_ids"`

	// Signature is the session key's signature over SigningDigest.
	Signature hexutil.Bytes `json:"signature"`
}

// NewFetchKeyRequest builds and signs a request with the session key.
func NewFetchKeyRequest(s *session.Session, identity interfaces.Identity, pc interfaces.PolicyContext, serverIDs []interfaces.KeyServerID) (*FetchKeyRequest, error) {
	req := &FetchKeyRequest{
		Identity:      identity,
		Credential:    s.Credential(),
		PolicyContext: pc,
		KeyServerIDs:  slices.Clone(serverIDs),
	}
	signature, err := s.SignRequest(req.SigningDigest())
	if err != nil {
		return nil, fmt.Errorf("could not sign request: %w", err)
	}
	req.Signature = signature
	return req, nil
}

// SigningDigest commits to everything in the request except the signature.
// Server ids are sorted so their order does not matter.
func (r *FetchKeyRequest) SigningDigest() [32]byte {
	ids := slices.Clone(r.KeyServerIDs)
	slices.SortFunc(ids, func(a, b interfaces.KeyServerID) int {
		return bytes.Compare(a[:], b[:])
	})

	pcDigest := r.PolicyContext.Digest()
	credDigest := r.Credential.Digest()

	data := make([][]byte, 0, len(ids)+4)
	data = append(data, []byte("seal/fetch-key/v1"), r.Identity, pcDigest[:])
	for i := range ids {
		data = append(data, ids[i][:])
	}
	data = append(data, credDigest[:])
	return crypto.Keccak256Hash(data...)
}

// Names reports whether id is one of the requested servers.
func (r *FetchKeyRequest) Names(id interfaces.KeyServerID) bool {
	return slices.Contains(r.KeyServerIDs, id)
}

// FetchKeyResponse carries the marshalled user key, ECIES-encrypted to the
// session key with ResponseAssociatedData.
type FetchKeyResponse struct {
	KeyServerID  interfaces.KeyServerID `json:"key_server_id"`
	EncryptedKey hexutil.Bytes          `json:"encrypted_key"`
}

// ResponseAssociatedData binds an encrypted user key to the server that
// produced it and the identity it was extracted for.
func ResponseAssociatedData(serverID interfaces.KeyServerID, identity interfaces.Identity) []byte {
	ad := make([]byte, 0, 32+len(serverID)+len(identity))
	ad = append(ad, "seal/fetch-key-response/v1"...)
	ad = append(ad, serverID[:]...)
	return append(ad, identity...)
}

// ServiceResponse is the body of GET /v1/service.
type ServiceResponse struct {
	ID              interfaces.KeyServerID `json:"id"`
	PublicKey       hexutil.Bytes          `json:"public_key"`
	AttestationType string                 `json:"attestation_type"`

	// Attestation is a quote over ReportData(ID, PublicKey).
	Attestation hexutil.Bytes `json:"attestation"`
}

// ReportData is the attested report data of a key server: sha256(id || pk)
// in the first 32 bytes.
func ReportData(id interfaces.KeyServerID, publicKey []byte) [64]byte {
	var reportData [64]byte
	h := sha256.New()
	h.Write(id[:])
	h.Write(publicKey)
	copy(reportData[:], h.Sum(nil))
	return reportData
}

// Rejection codes carried in ErrorResponse.
const (
	CodeUnauthorized      = "unauthorized"
	CodeCredentialExpired = "credential_expired"
	CodeSignatureMismatch = "signature_mismatch"
	CodeInvalidRequest    = "invalid_request"
	CodeRateLimited       = "rate_limited"
	CodeUnavailable       = "unavailable"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is returned with every non-200 status of the key server.
type ErrorResponse struct {
	KeyServerID interfaces.KeyServerID `json:"key_server_id"`
	Error       ErrorBody              `json:"error"`
}

// RejectionFor maps a handler error to its status and code.
func RejectionFor(err error) (int, string) {
	switch {
	case errors.Is(err, interfaces.ErrCredentialExpired):
		return http.StatusUnauthorized, CodeCredentialExpired
	case errors.Is(err, interfaces.ErrSignatureMismatch):
		return http.StatusUnauthorized, CodeSignatureMismatch
	case errors.Is(err, interfaces.ErrUnauthorized):
		return http.StatusForbidden, CodeUnauthorized
	case errors.Is(err, interfaces.ErrInvalidRequest), errors.Is(err, interfaces.ErrInvalidIdentity), errors.Is(err, interfaces.ErrInvalidTTL):
		return http.StatusBadRequest, CodeInvalidRequest
	default:
		return http.StatusServiceUnavailable, CodeUnavailable
	}
}

// ErrorFromResponse maps a rejection back to the error taxonomy. Only
// transient conditions map to ErrUnreachable.
func ErrorFromResponse(status int, body ErrorBody) error {
	var sentinel error
	switch {
	case body.Code == CodeCredentialExpired:
		sentinel = interfaces.ErrCredentialExpired
	case body.Code == CodeSignatureMismatch:
		sentinel = interfaces.ErrSignatureMismatch
	case status == http.StatusUnauthorized:
		sentinel = interfaces.ErrSignatureMismatch
	case status == http.StatusForbidden:
		sentinel = interfaces.ErrUnauthorized
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		sentinel = interfaces.ErrUnreachable
	case status >= http.StatusBadRequest:
		sentinel = interfaces.ErrInvalidRequest
	default:
		sentinel = interfaces.ErrUnreachable
	}
	if body.Message == "" {
		return fmt.Errorf("%w: status %d", sentinel, status)
	}
	return fmt.Errorf("%w: %s", sentinel, body.Message)
}
