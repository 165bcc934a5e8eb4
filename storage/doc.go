// Package storage persists the engine's durable state in a local SQLite
// database: the local profile, peer sessions, messages, media records,
// reactions, and the task queue backing the durable message queue.
//
// Store wraps database/sql with the mattn/go-sqlite3 driver and owns the
// schema. All methods are safe for concurrent use; SQLite serializes the
// writes.
//
// Vault is the companion blob store: media payloads live as files on disk
// under random names, with appends to the same file serialized by a
// per-filename lock.
package storage
