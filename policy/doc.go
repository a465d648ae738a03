// Package policy decides whether a principal may obtain the key for an
// identity.
//
// Policies live in contracts. The namespace of an identity is the address of
// a contract exposing
//
//	function sealApprove(bytes id, bytes args) external view returns (bool);
//
// A client builds a PolicyContext (calldata plus a pinned block number) with
// NewContext and sends it to every key server. Each key server runs
// CheckContext, then asks its PolicyBridge. OnchainBridge evaluates the call
// with eth_call; AllowlistBridge is a static table for development setups.
//
// Simulator runs the same evaluation on the client before any key server is
// contacted.
package policy
