package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrMediaNotFound indicates a lookup for an unknown media record.
var ErrMediaNotFound = errors.New("storage: media not found")

// Media is one file-transfer record. Filename is the vault blob name, not
// the user-visible name; Progress is 0..1.
type Media struct {
	ID         string
	MessageID  string
	SID        string
	Filename   string
	Mime       string
	Size       int64
	Thumbnail  string
	TransferID string
	Status     string
	Progress   float64
}

// InsertMedia stores a new media record.
func (s *Store) InsertMedia(m *Media) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO media
			(id, message_id, sid, filename, mime, size, thumbnail, transfer_id, status, progress)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.MessageID, m.SID, m.Filename, m.Mime, m.Size,
		m.Thumbnail, m.TransferID, m.Status, m.Progress)
	if err != nil {
		return fmt.Errorf("inserting media: %w", err)
	}
	return nil
}

// GetMedia loads one media record by id.
func (s *Store) GetMedia(id string) (*Media, error) {
	return s.scanMedia(s.db.QueryRow(mediaSelect+` WHERE id = ?`, id))
}

// MediaByMessage loads the media record attached to a message.
func (s *Store) MediaByMessage(messageID string) (*Media, error) {
	return s.scanMedia(s.db.QueryRow(mediaSelect+` WHERE message_id = ?`, messageID))
}

// MediaByTransfer loads the media record for a transfer id.
func (s *Store) MediaByTransfer(transferID string) (*Media, error) {
	return s.scanMedia(s.db.QueryRow(mediaSelect+` WHERE transfer_id = ?`, transferID))
}

const mediaSelect = `SELECT id, message_id, sid, filename, mime, size, thumbnail, transfer_id, status, progress FROM media`

func (s *Store) scanMedia(row *sql.Row) (*Media, error) {
	m := &Media{}
	err := row.Scan(&m.ID, &m.MessageID, &m.SID, &m.Filename, &m.Mime,
		&m.Size, &m.Thumbnail, &m.TransferID, &m.Status, &m.Progress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMediaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading media: %w", err)
	}
	return m, nil
}

// UpdateMediaProgress records download progress for a media record.
func (s *Store) UpdateMediaProgress(id string, progress float64) error {
	_, err := s.db.Exec(
		`UPDATE media SET progress = ? WHERE id = ?`, progress, id)
	return err
}

// SetMediaStatus moves a media record to a new transfer status.
func (s *Store) SetMediaStatus(id, status string) error {
	_, err := s.db.Exec(
		`UPDATE media SET status = ? WHERE id = ?`, status, id)
	return err
}
