// Package keyserverhandler serves the key server API and provides the client
// the fetcher uses to call it.
//
// POST /v1/fetch_key releases the user key for an identity only after the
// credential, the request signature and the policy all check out, and only
// encrypted to the requesting session's key. GET /v1/service describes the
// server and carries its attestation.
package keyserverhandler
