// Package queue drives the durable task queue: every inbound encrypted
// frame becomes a persisted row that survives restarts and is processed by
// a single drain loop in strict (priority, age) order.
//
// Failed tasks are logged and dropped, not retried; recovery happens at
// the protocol layer via the pending-message resync when a peer comes
// back online.
package queue
