// Package interfaces defines the types shared by every component: identities,
// key-server descriptors, the policy context and bridge contract, and the
// error taxonomy.
//
// # Identities
//
// An identity is the policy contract address (its namespace) followed by an
// application-chosen id. NewIdentity is the only constructor, so the encrypt
// and decrypt paths always agree byte for byte.
//
// # Errors
//
// Every failure surfaced by the library wraps one of the sentinel errors in
// this package and can be tested with errors.Is. Per-server failures are
// wrapped in *KeyServerError.
package interfaces
