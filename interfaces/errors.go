package interfaces

import "errors"

var (
	ErrMalformedEnvelope       = errors.New("malformed envelope")
	ErrUnsupportedVersion      = errors.New("unsupported envelope version")
	ErrInvalidThreshold        = errors.New("invalid threshold")
	ErrEmptyKeyServerSet       = errors.New("empty key server set")
	ErrInsufficientShares      = errors.New("insufficient shares")
	ErrShareVerificationFailed = errors.New("share verification failed")
	ErrAuthenticationFailed    = errors.New("authentication failed")
	ErrInvalidTTL              = errors.New("invalid session ttl")
	ErrSignatureMismatch       = errors.New("signature mismatch")
	ErrCredentialExpired       = errors.New("credential expired")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrUnreachable             = errors.New("key server unreachable")

	ErrInvalidIdentity    = errors.New("invalid identity")
	ErrDuplicateKeyServer = errors.New("duplicate key server")
	ErrInvalidKeyServer   = errors.New("invalid key server")
	ErrInvalidRequest     = errors.New("invalid request")
)

// IsRetryable reports whether a per-server failure may be retried with the
// same credential. Only transport-level failures are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
