// Package worker runs session encryption off the caller's goroutine.
//
// A Worker owns one background goroutine and a three-tier priority queue
// of encrypt/decrypt requests; call-signaling work jumps ahead of bulk
// file chunks even when a large transfer is in flight. Requests are
// correlated by id and the blocking wrappers honor context cancellation.
//
// Session keys are registered once with InitSession and never change; a
// second InitSession for the same session id is ignored.
package worker
