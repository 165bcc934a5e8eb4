package worker

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaychat/crypto"
)

// Errors returned by the blocking wrappers.
var (
	ErrUnknownSession = errors.New("worker: no key for session")
	ErrClosed         = errors.New("worker: closed")
)

type opKind int

const (
	opEncrypt opKind = iota
	opDecrypt
)

type request struct {
	id       string
	op       opKind
	sid      string
	plain    []byte
	payload  string
	priority int
	seq      uint64
	done     chan response
}

type response struct {
	sealed string
	plain  []byte
	err    error
}

// requestHeap orders by priority, then arrival.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*request))
}
func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// Worker serializes all session crypto through one goroutine.
type Worker struct {
	mu      sync.Mutex
	keys    map[string]crypto.SessionKey
	pending requestHeap
	seq     uint64
	closed  bool

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewWorker starts the worker goroutine.
func NewWorker() *Worker {
	w := &Worker{
		keys: make(map[string]crypto.SessionKey),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Close stops the worker. Pending and future requests fail with ErrClosed.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	close(w.quit)
	w.wg.Wait()
	for _, req := range pending {
		req.done <- response{err: ErrClosed}
	}
}

// InitSession registers the key for a session. Keys are immutable: if the
// session already has a key, the call is a no-op.
func (w *Worker) InitSession(sid string, key crypto.SessionKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.keys[sid]; exists {
		logrus.WithFields(logrus.Fields{
			"session_id": sid,
		}).Warn("ignoring re-init of existing session key")
		return
	}
	w.keys[sid] = key
}

// HasSession reports whether a key is registered for the session.
func (w *Worker) HasSession(sid string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.keys[sid]
	return ok
}

// Encrypt seals plaintext under the session's key at the given priority.
func (w *Worker) Encrypt(ctx context.Context, sid string, plaintext []byte, priority int) (string, error) {
	resp, err := w.roundTrip(ctx, &request{
		op:       opEncrypt,
		sid:      sid,
		plain:    plaintext,
		priority: priority,
	})
	if err != nil {
		return "", err
	}
	return resp.sealed, resp.err
}

// Decrypt opens a sealed payload under the session's key.
func (w *Worker) Decrypt(ctx context.Context, sid string, payload string, priority int) ([]byte, error) {
	resp, err := w.roundTrip(ctx, &request{
		op:       opDecrypt,
		sid:      sid,
		payload:  payload,
		priority: priority,
	})
	if err != nil {
		return nil, err
	}
	return resp.plain, resp.err
}

func (w *Worker) roundTrip(ctx context.Context, req *request) (response, error) {
	req.id = uuid.NewString()
	req.done = make(chan response, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return response{}, ErrClosed
	}
	w.seq++
	req.seq = w.seq
	heap.Push(&w.pending, req)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}

	select {
	case resp := <-req.done:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-w.quit:
		return response{}, ErrClosed
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case <-w.wake:
		}
		for {
			req := w.next()
			if req == nil {
				break
			}
			req.done <- w.process(req)
		}
	}
}

func (w *Worker) next() *request {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	return heap.Pop(&w.pending).(*request)
}

func (w *Worker) process(req *request) response {
	w.mu.Lock()
	key, ok := w.keys[req.sid]
	w.mu.Unlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"request_id": req.id,
			"session_id": req.sid,
		}).Warn("crypto request for unknown session")
		return response{err: ErrUnknownSession}
	}

	switch req.op {
	case opEncrypt:
		sealed, err := crypto.Seal(key, req.plain)
		return response{sealed: sealed, err: err}
	default:
		plain, err := crypto.Open(key, req.payload)
		return response{plain: plain, err: err}
	}
}
