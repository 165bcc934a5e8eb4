package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Task is one persisted queue row. Payload is opaque JSON owned by the
// queue's handler.
type Task struct {
	ID        int64
	Type      string
	Payload   string
	Priority  int
	Timestamp int64
}

// EnqueueTask appends a task row and returns its id.
func (s *Store) EnqueueTask(taskType, payload string, priority int, timestamp int64) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO queue (type, payload, priority, timestamp) VALUES (?, ?, ?, ?)`,
		taskType, payload, priority, timestamp)
	if err != nil {
		return 0, fmt.Errorf("enqueueing task: %w", err)
	}
	return res.LastInsertId()
}

// NextTask returns the most urgent pending task: lowest priority value
// first, then oldest, then lowest id. Returns (nil, nil) when the queue is
// empty.
func (s *Store) NextTask() (*Task, error) {
	row := s.db.QueryRow(
		`SELECT id, type, payload, priority, timestamp FROM queue
		 ORDER BY priority ASC, timestamp ASC, id ASC LIMIT 1`)
	t := &Task{}
	err := row.Scan(&t.ID, &t.Type, &t.Payload, &t.Priority, &t.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching next task: %w", err)
	}
	return t, nil
}

// DeleteTask removes a task row once processed.
func (s *Store) DeleteTask(id int64) error {
	_, err := s.db.Exec(`DELETE FROM queue WHERE id = ?`, id)
	return err
}

// QueueDepth reports the number of pending tasks.
func (s *Store) QueueDepth() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue`).Scan(&n)
	return n, err
}
