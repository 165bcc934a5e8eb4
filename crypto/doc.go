// Package crypto implements the cryptographic primitives of the peer
// protocol: P-256 ECDH identity keypairs, session key derivation
// (ECDH shared secret expanded with HKDF-SHA256 into an AES-256-GCM key),
// authenticated encryption of message envelopes, and the SHA-256 identifier
// hash used for sender authentication.
//
// Public keys travel on the wire as standard base64 of the uncompressed
// P-256 point, matching what peers on other platforms export.
//
// Example:
//
//	alice, _ := crypto.GenerateIdentity()
//	bob, _ := crypto.GenerateIdentity()
//
//	key, _ := alice.DeriveSessionKey(bob.PublicKeyBase64())
//	sealed, _ := crypto.Seal(key, []byte("hello"))
//	plain, _ := crypto.Open(key, sealed)
package crypto
