package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaychat/crypto"
	"github.com/opd-ai/relaychat/storage"
	"github.com/opd-ai/relaychat/transport"
	"github.com/opd-ai/relaychat/worker"
)

// identityKeyName is the KeyStore entry holding the private identity key.
const identityKeyName = "identity_key"

// HandshakeAvatarMax caps the base64 avatar length carried inside a
// handshake frame; larger avatars are omitted from the snapshot and
// fetched later through profile sync.
const HandshakeAvatarMax = 160 * 1024

// Errors returned by the manager.
var (
	ErrNoIdentity    = errors.New("session: identity not loaded")
	ErrNoPeerEmail   = errors.New("session: no peer email on record")
	ErrBadSessionKey = errors.New("session: stored key is malformed")
)

// HandshakeOffer is the data object of CONNECT_REQ and JOIN_ACCEPT
// frames: the sender's public key plus a profile snapshot.
type HandshakeOffer struct {
	Code          string `json:"code,omitempty"`
	PublicKey     string `json:"pubkey"`
	Email         string `json:"email"`
	Hash          string `json:"hash"`
	Name          string `json:"name,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	NameVersion   int64  `json:"name_version,omitempty"`
	AvatarVersion int64  `json:"avatar_version,omitempty"`
}

// Manager owns the identity keypair and the live session registry.
type Manager struct {
	store    *storage.Store
	worker   *worker.Worker
	sender   transport.Sender
	keystore KeyStore

	mu        sync.Mutex
	identity  *crypto.Identity
	online    map[string]bool
	onCreated func(sid string)
	onUpdated func(sid string)
}

// NewManager wires the manager to its collaborators.
func NewManager(store *storage.Store, w *worker.Worker, sender transport.Sender, ks KeyStore) *Manager {
	return &Manager{
		store:    store,
		worker:   w,
		sender:   sender,
		keystore: ks,
		online:   make(map[string]bool),
	}
}

// OnSessionCreated registers a callback fired when a handshake completes.
func (m *Manager) OnSessionCreated(fn func(sid string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreated = fn
}

// OnSessionUpdated registers a callback fired when peer metadata changes.
func (m *Manager) OnSessionUpdated(fn func(sid string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdated = fn
}

// LoadOrCreateIdentity restores the identity keypair from the key store,
// generating and persisting a fresh one on first run.
func (m *Manager) LoadOrCreateIdentity() error {
	raw, err := m.keystore.Get(identityKeyName)
	switch {
	case err == nil:
		id, err := crypto.IdentityFromBytes(raw)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.identity = id
		m.mu.Unlock()
		return nil
	case errors.Is(err, ErrKeyNotFound):
		id, err := crypto.GenerateIdentity()
		if err != nil {
			return err
		}
		if err := m.keystore.Set(identityKeyName, id.Bytes()); err != nil {
			return fmt.Errorf("persisting identity key: %w", err)
		}
		m.mu.Lock()
		m.identity = id
		m.mu.Unlock()
		logrus.Info("generated new identity keypair")
		return nil
	default:
		return err
	}
}

// PublicKey returns the identity public key in wire form.
func (m *Manager) PublicKey() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return "", ErrNoIdentity
	}
	return m.identity.PublicKeyBase64(), nil
}

// LoadSessions registers every persisted session's key with the crypto
// worker. Call once after LoadOrCreateIdentity on startup.
func (m *Manager) LoadSessions() error {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		key, err := decodeSessionKey(sess.Key)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": sess.SID,
			}).Error("skipping session with malformed stored key")
			continue
		}
		m.worker.InitSession(sess.SID, key)
	}
	logrus.WithFields(logrus.Fields{
		"count": len(sessions),
	}).Info("sessions loaded")
	return nil
}

// InitiateHandshake sends a connect request for an invite code. No state
// is stored until the peer accepts.
func (m *Manager) InitiateHandshake(code string) error {
	offer, err := m.localOffer()
	if err != nil {
		return err
	}
	offer.Code = code
	f, err := transport.NewFrame(transport.FrameConnectReq, "", offer)
	if err != nil {
		return err
	}
	return m.sender.Send(f)
}

// AcceptHandshake answers an inbound join request: it replies with this
// side's key and profile, derives the session key, and persists the
// session. This is the only session-creating path.
func (m *Manager) AcceptHandshake(sid string, peer *HandshakeOffer) error {
	answer, err := m.localOffer()
	if err != nil {
		return err
	}
	f, err := transport.NewFrame(transport.FrameJoinAccept, sid, answer)
	if err != nil {
		return err
	}
	if err := m.sender.Send(f); err != nil {
		return fmt.Errorf("sending join accept: %w", err)
	}
	return m.FinalizeSession(sid, peer)
}

// DenyHandshake rejects an inbound join request without storing anything.
func (m *Manager) DenyHandshake(sid string) error {
	f, err := transport.NewFrame(transport.FrameJoinDeny, sid, nil)
	if err != nil {
		return err
	}
	return m.sender.Send(f)
}

// FinalizeSession derives the shared key from the peer's handshake data
// and persists the session. The initiator calls this when the peer's
// accept arrives; the acceptor via AcceptHandshake.
func (m *Manager) FinalizeSession(sid string, peer *HandshakeOffer) error {
	m.mu.Lock()
	id := m.identity
	m.mu.Unlock()
	if id == nil {
		return ErrNoIdentity
	}

	key, err := id.DeriveSessionKey(peer.PublicKey)
	if err != nil {
		return fmt.Errorf("deriving session key: %w", err)
	}
	avatar := peer.Avatar
	if len(avatar) > HandshakeAvatarMax {
		logrus.WithFields(logrus.Fields{
			"session_id":  sid,
			"avatar_size": len(avatar),
		}).Warn("dropping oversized handshake avatar")
		avatar = ""
	}
	err = m.store.UpsertSession(&storage.Session{
		SID:           sid,
		Key:           base64.StdEncoding.EncodeToString(key[:]),
		PeerEmail:     peer.Email,
		PeerName:      peer.Name,
		PeerAvatar:    avatar,
		NameVersion:   peer.NameVersion,
		AvatarVersion: peer.AvatarVersion,
	})
	if err != nil {
		return err
	}
	m.worker.InitSession(sid, key)
	m.SetPeerOnline(sid, true)

	logrus.WithFields(logrus.Fields{
		"session_id": sid,
	}).Info("session established")

	m.mu.Lock()
	created := m.onCreated
	m.mu.Unlock()
	if created != nil {
		created(sid)
	}
	return nil
}

// SetPeerOnline flips a session's presence flag.
func (m *Manager) SetPeerOnline(sid string, online bool) {
	m.mu.Lock()
	m.online[sid] = online
	m.mu.Unlock()
}

// IsPeerOnline reports a session's presence flag.
func (m *Manager) IsPeerOnline(sid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[sid]
}

// PeerEmailHash computes the sender-authentication hash expected from the
// session's peer. It fails when no peer email is on record; callers drop
// the frame in that case.
func (m *Manager) PeerEmailHash(sid string) (string, error) {
	sess, err := m.store.GetSession(sid)
	if err != nil {
		return "", err
	}
	if sess.PeerEmail == "" {
		return "", ErrNoPeerEmail
	}
	return crypto.HashIdentifier(sess.PeerEmail), nil
}

// NotifyUpdated fires the session-updated callback, if registered.
func (m *Manager) NotifyUpdated(sid string) {
	m.mu.Lock()
	updated := m.onUpdated
	m.mu.Unlock()
	if updated != nil {
		updated(sid)
	}
}

// ReattachAll re-announces every persisted session to the relay, used
// after (re)connecting.
func (m *Manager) ReattachAll() error {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		f, err := transport.NewFrame(transport.FrameReattach, sess.SID, nil)
		if err != nil {
			return err
		}
		if err := m.sender.Send(f); err != nil {
			return fmt.Errorf("reattaching session %s: %w", sess.SID, err)
		}
	}
	return nil
}

// localOffer builds this side's handshake data from the identity and the
// stored profile, applying the avatar size cap.
func (m *Manager) localOffer() (*HandshakeOffer, error) {
	m.mu.Lock()
	id := m.identity
	m.mu.Unlock()
	if id == nil {
		return nil, ErrNoIdentity
	}
	profile, err := m.store.LocalProfile()
	if err != nil {
		return nil, err
	}
	avatar := profile.Avatar
	if len(avatar) > HandshakeAvatarMax {
		avatar = ""
	}
	return &HandshakeOffer{
		PublicKey:     id.PublicKeyBase64(),
		Email:         profile.Email,
		Hash:          crypto.HashIdentifier(profile.Email),
		Name:          profile.Name,
		Avatar:        avatar,
		NameVersion:   profile.NameVersion,
		AvatarVersion: profile.AvatarVersion,
	}, nil
}

func decodeSessionKey(encoded string) (crypto.SessionKey, error) {
	var key crypto.SessionKey
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != crypto.SessionKeySize {
		return key, ErrBadSessionKey
	}
	copy(key[:], raw)
	return key, nil
}
