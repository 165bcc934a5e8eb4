// Package session manages the device identity and the per-peer encryption
// sessions built on top of it.
//
// The identity is a long-lived P-256 keypair loaded from a KeyStore
// (platforms plug in their secure storage; a file-backed store is the
// default). Sessions are created exclusively by the handshake: one side
// sends a connect request carrying its public key and a profile snapshot,
// the other accepts with its own, and both derive the same symmetric
// session key. Accepting is the only path that creates a session; denial
// sends a frame and stores nothing.
package session
