package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrMessageNotFound indicates a lookup for an unknown message id.
var ErrMessageNotFound = errors.New("storage: message not found")

// Message is one chat message row. Timestamp is Unix milliseconds.
type Message struct {
	ID        string
	SID       string
	Sender    string
	Type      string
	Text      string
	Timestamp int64
	Status    int
	Edited    bool
	Deleted   bool
}

// SaveMessage inserts a message, ignoring duplicates by id.
func (s *Store) SaveMessage(m *Message) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO messages (id, sid, sender, type, text, timestamp, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SID, m.Sender, m.Type, m.Text, m.Timestamp, m.Status)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// GetMessage loads one message by id.
func (s *Store) GetMessage(id string) (*Message, error) {
	row := s.db.QueryRow(
		`SELECT id, sid, sender, type, text, timestamp, status, edited, deleted
		 FROM messages WHERE id = ?`, id)
	m := &Message{}
	err := row.Scan(&m.ID, &m.SID, &m.Sender, &m.Type, &m.Text,
		&m.Timestamp, &m.Status, &m.Edited, &m.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}
	return m, nil
}

// UpdateMessageText replaces a message's text and marks it edited.
func (s *Store) UpdateMessageText(id, text string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET text = ?, edited = 1 WHERE id = ?`, text, id)
	return err
}

// MarkDeleted tombstones a message: text cleared, deleted flag set, the
// row kept so the conversation shows a placeholder.
func (s *Store) MarkDeleted(id string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET text = '', deleted = 1 WHERE id = ?`, id)
	return err
}

// DeleteMessage removes a message row along with its media records and
// reactions.
func (s *Store) DeleteMessage(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM media WHERE message_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM reactions WHERE message_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkDelivered flips a message to delivered status.
func (s *Store) MarkDelivered(id string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = ? WHERE id = ?`, StatusDelivered, id)
	return err
}

// MessagesBySession returns a session's most recent messages in
// chronological order. A limit of zero or less means no limit.
func (s *Store) MessagesBySession(sid string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, sid, sender, type, text, timestamp, status, edited, deleted
		 FROM (SELECT * FROM messages WHERE sid = ?
		       ORDER BY timestamp DESC, id DESC LIMIT ?)
		 ORDER BY timestamp ASC, id ASC`,
		sid, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SID, &m.Sender, &m.Type, &m.Text,
			&m.Timestamp, &m.Status, &m.Edited, &m.Deleted); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PendingMessages returns this side's undelivered outbound messages for a
// session, oldest first. Used to resync when the peer comes back online.
func (s *Store) PendingMessages(sid string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, sid, sender, type, text, timestamp, status, edited, deleted
		 FROM messages
		 WHERE sid = ? AND sender = ? AND status = ? AND deleted = 0
		 ORDER BY timestamp ASC`,
		sid, SenderMe, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SID, &m.Sender, &m.Type, &m.Text,
			&m.Timestamp, &m.Status, &m.Edited, &m.Deleted); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
