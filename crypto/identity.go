package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the AES-256-GCM key length in bytes.
const SessionKeySize = 32

// sessionKeyInfo is the HKDF info string binding derived keys to this
// protocol.
var sessionKeyInfo = []byte("relaychat session key")

// ErrInvalidPublicKey indicates a peer public key that is not a valid
// base64-encoded uncompressed P-256 point.
var ErrInvalidPublicKey = errors.New("crypto: invalid peer public key")

// SessionKey is a derived symmetric key for one peer session.
type SessionKey [SessionKeySize]byte

// Identity is a long-lived P-256 keypair identifying this device.
type Identity struct {
	priv *ecdh.PrivateKey
}

// GenerateIdentity creates a fresh P-256 identity keypair.
func GenerateIdentity() (*Identity, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity key: %w", err)
	}
	return &Identity{priv: priv}, nil
}

// IdentityFromBytes restores an identity from its raw private scalar, as
// produced by Bytes.
func IdentityFromBytes(raw []byte) (*Identity, error) {
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("restoring identity key: %w", err)
	}
	return &Identity{priv: priv}, nil
}

// Bytes returns the raw private scalar for persistence in the key store.
func (id *Identity) Bytes() []byte {
	return id.priv.Bytes()
}

// PublicKeyBase64 returns the wire form of the public key: standard base64
// of the uncompressed point.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.priv.PublicKey().Bytes())
}

// DeriveSessionKey computes the shared session key with a peer from its
// wire-form public key. Both sides derive the same key.
func (id *Identity) DeriveSessionKey(peerPublicBase64 string) (SessionKey, error) {
	var key SessionKey

	raw, err := base64.StdEncoding.DecodeString(peerPublicBase64)
	if err != nil {
		return key, ErrInvalidPublicKey
	}
	peer, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return key, ErrInvalidPublicKey
	}
	secret, err := id.priv.ECDH(peer)
	if err != nil {
		return key, fmt.Errorf("computing shared secret: %w", err)
	}

	kdf := hkdf.New(sha256.New, secret, nil, sessionKeyInfo)
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("expanding session key: %w", err)
	}
	return key, nil
}
