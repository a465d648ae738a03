/*
Package api holds the wire types shared by key servers and their clients.

Subpackages:

1. keyserverhandler - the key server's HTTP handler and the matching client
2. server - HTTP server lifecycle, health and drain endpoints

# Key server API

	GET  /v1/service    ServiceResponse
	POST /v1/fetch_key  FetchKeyRequest -> FetchKeyResponse

A fetch request carries the principal's signed credential, the policy
context to re-evaluate and the list of key servers asked in this round. The
whole request is signed with the credential's session key, and the returned
user key is encrypted to that same key, so the response is useless to anyone
but the session holder.

Every rejection is an ErrorResponse naming the key server and a code from
the Code* constants. RejectionFor and ErrorFromResponse translate between
codes and the error taxonomy in package interfaces.
*/
package api
