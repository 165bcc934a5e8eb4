package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Message sender values.
const (
	SenderMe   = "me"
	SenderPeer = "other"
)

// Message delivery status values.
const (
	StatusPending   = 1
	StatusDelivered = 2
)

// MessageTypeFile marks message rows that announce a file transfer; their
// payload lives in the media table rather than the text column.
const MessageTypeFile = "FILE"

// Media transfer status values.
const (
	MediaPending     = "pending"
	MediaDownloading = "downloading"
	MediaDownloaded  = "downloaded"
	MediaSent        = "sent"
	MediaError       = "error"
)

const schema = `
CREATE TABLE IF NOT EXISTS me (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	email          TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL DEFAULT '',
	avatar         TEXT NOT NULL DEFAULT '',
	name_version   INTEGER NOT NULL DEFAULT 0,
	avatar_version INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS sessions (
	sid            TEXT PRIMARY KEY,
	key            TEXT NOT NULL,
	peer_email     TEXT NOT NULL DEFAULT '',
	peer_name      TEXT NOT NULL DEFAULT '',
	peer_avatar    TEXT NOT NULL DEFAULT '',
	name_version   INTEGER NOT NULL DEFAULT 0,
	avatar_version INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
	id        TEXT PRIMARY KEY,
	sid       TEXT NOT NULL,
	sender    TEXT NOT NULL,
	type      TEXT NOT NULL,
	text      TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL,
	status    INTEGER NOT NULL DEFAULT 1,
	edited    INTEGER NOT NULL DEFAULT 0,
	deleted   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_sid ON messages(sid, timestamp);
CREATE TABLE IF NOT EXISTS media (
	id          TEXT PRIMARY KEY,
	message_id  TEXT NOT NULL,
	sid         TEXT NOT NULL,
	filename    TEXT NOT NULL,
	mime        TEXT NOT NULL DEFAULT '',
	size        INTEGER NOT NULL DEFAULT 0,
	thumbnail   TEXT NOT NULL DEFAULT '',
	transfer_id TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	progress    REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_media_message ON media(message_id);
CREATE TABLE IF NOT EXISTS reactions (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	sender     TEXT NOT NULL,
	emoji      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_id);
CREATE TABLE IF NOT EXISTS queue (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	type      TEXT NOT NULL,
	payload   TEXT NOT NULL,
	priority  INTEGER NOT NULL DEFAULT 1,
	timestamp INTEGER NOT NULL
);
`

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"path": path,
	}).Debug("database opened")
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
