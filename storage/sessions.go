package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrSessionNotFound indicates a lookup for an unknown session id.
var ErrSessionNotFound = errors.New("storage: session not found")

// Session is one persisted peer session row. Key is the base64 session key
// and never changes once written.
type Session struct {
	SID           string
	Key           string
	PeerEmail     string
	PeerName      string
	PeerAvatar    string
	NameVersion   int64
	AvatarVersion int64
}

// UpsertSession inserts a session or, if the sid already exists, updates
// its metadata only. The key column is written exactly once: re-upserts
// with a different key leave the stored key untouched.
func (s *Store) UpsertSession(sess *Session) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sessions (sid, key) VALUES (?, ?)`,
		sess.SID, sess.Key,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE sessions SET
			peer_email  = COALESCE(NULLIF(?, ''), peer_email),
			peer_name   = COALESCE(NULLIF(?, ''), peer_name),
			peer_avatar = COALESCE(NULLIF(?, ''), peer_avatar),
			name_version   = MAX(name_version, ?),
			avatar_version = MAX(avatar_version, ?)
		WHERE sid = ?`,
		sess.PeerEmail, sess.PeerName, sess.PeerAvatar,
		sess.NameVersion, sess.AvatarVersion, sess.SID,
	)
	if err != nil {
		return fmt.Errorf("updating session metadata: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(sid string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT sid, key, peer_email, peer_name, peer_avatar, name_version, avatar_version
		 FROM sessions WHERE sid = ?`, sid)
	sess := &Session{}
	err := row.Scan(&sess.SID, &sess.Key, &sess.PeerEmail, &sess.PeerName,
		&sess.PeerAvatar, &sess.NameVersion, &sess.AvatarVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return sess, nil
}

// ListSessions returns every persisted session.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT sid, key, peer_email, peer_name, peer_avatar, name_version, avatar_version
		 FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.SID, &sess.Key, &sess.PeerEmail, &sess.PeerName,
			&sess.PeerAvatar, &sess.NameVersion, &sess.AvatarVersion); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdatePeerName stores a newer peer display name and its version.
// Stale versions (<= stored) are ignored by the MAX guard in UpsertSession
// callers; here the caller has already checked the version.
func (s *Store) UpdatePeerName(sid, name string, version int64) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET peer_name = ?, name_version = MAX(name_version, ?) WHERE sid = ?`,
		name, version, sid)
	return err
}

// UpdatePeerAvatar stores a newer peer avatar and its version.
func (s *Store) UpdatePeerAvatar(sid, avatar string, version int64) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET peer_avatar = ?, avatar_version = MAX(avatar_version, ?) WHERE sid = ?`,
		avatar, version, sid)
	return err
}

// DeleteSession removes a session row.
func (s *Store) DeleteSession(sid string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE sid = ?`, sid)
	return err
}
