// Package cryptoutils provides the asymmetric and symmetric building blocks
// shared by clients and key servers.
//
// # Session key encryption
//
// Key servers return user keys encrypted to the requester's ephemeral P-256
// session key. EncryptWithPublicKey implements ECIES with:
//
//   - ECDH on NIST P-256 with a fresh ephemeral key per message
//   - HKDF-SHA256 key derivation salted with the ephemeral public key
//   - AES-256-GCM with caller-supplied associated data
//
// The encrypted data follows this binary format:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// # Symmetric helpers
//
// DeriveKey, SealAESGCM and OpenAESGCM are used for share and payload
// encryption. OpenAESGCM never returns plaintext when the tag fails.
//
// # Attestation
//
// Key servers may attest to their identity with a TDX quote (DCAP) or, for
// development, a dummy attestation. VerifyAttestation checks either kind.
package cryptoutils
