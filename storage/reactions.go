package storage

import "fmt"

// Reaction is one emoji reaction on a message. ID is deterministic
// (messageID_sender_emoji) so re-adding the same reaction is a no-op.
type Reaction struct {
	ID        string
	MessageID string
	Sender    string
	Emoji     string
}

// ReactionID builds the deterministic reaction row id.
func ReactionID(messageID, sender, emoji string) string {
	return messageID + "_" + sender + "_" + emoji
}

// AddReaction stores a reaction; duplicates are ignored. Returns true when
// a new row was inserted.
func (s *Store) AddReaction(messageID, sender, emoji string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO reactions (id, message_id, sender, emoji) VALUES (?, ?, ?, ?)`,
		ReactionID(messageID, sender, emoji), messageID, sender, emoji)
	if err != nil {
		return false, fmt.Errorf("adding reaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoveReaction deletes a reaction if present.
func (s *Store) RemoveReaction(messageID, sender, emoji string) error {
	_, err := s.db.Exec(
		`DELETE FROM reactions WHERE id = ?`, ReactionID(messageID, sender, emoji))
	return err
}

// ReactionsByMessage lists all reactions on a message.
func (s *Store) ReactionsByMessage(messageID string) ([]*Reaction, error) {
	rows, err := s.db.Query(
		`SELECT id, message_id, sender, emoji FROM reactions WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing reactions: %w", err)
	}
	defer rows.Close()

	var out []*Reaction
	for rows.Next() {
		r := &Reaction{}
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Sender, &r.Emoji); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
