package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaychat/storage"
)

// Handler processes one dequeued task. A non-nil error drops the task.
type Handler func(ctx context.Context, task *storage.Task) error

// Queue is the durable task queue. Enqueue persists a row and nudges the
// drain loop; the loop processes rows one at a time, most urgent first,
// and deletes each row whether its handler succeeded or not.
type Queue struct {
	store *storage.Store
	now   func() int64

	mu       sync.Mutex
	handlers map[string]Handler

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a queue over the store. Call Start before enqueueing work
// that should be processed.
func New(store *storage.Store) *Queue {
	return &Queue{
		store:    store,
		now:      func() int64 { return time.Now().UnixMilli() },
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Handle registers the handler for a task type. Must be called before
// Start.
func (q *Queue) Handle(taskType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

// Enqueue persists a task and wakes the drain loop. The payload is stored
// as JSON.
func (q *Queue) Enqueue(taskType string, payload interface{}, priority int) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding task payload: %w", err)
	}
	if _, err := q.store.EnqueueTask(taskType, string(raw), priority, q.now()); err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the drain loop. Rows left over from a previous run are
// processed immediately.
func (q *Queue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.wg.Add(1)
	go q.drain(ctx)
	// Pick up persisted leftovers.
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops the drain loop, letting the in-flight task finish.
func (q *Queue) Close() {
	q.once.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
		q.wg.Wait()
	})
}

func (q *Queue) drain(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		for {
			if ctx.Err() != nil {
				return
			}
			task, err := q.store.NextTask()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"error": err,
				}).Error("reading next queue task")
				break
			}
			if task == nil {
				break
			}
			q.dispatch(ctx, task)
			if err := q.store.DeleteTask(task.ID); err != nil {
				logrus.WithFields(logrus.Fields{
					"task_id": task.ID,
					"error":   err,
				}).Error("deleting processed queue task")
				break
			}
		}
	}
}

// dispatch runs the task's handler, containing panics and logging
// failures. The task row is deleted either way.
func (q *Queue) dispatch(ctx context.Context, task *storage.Task) {
	q.mu.Lock()
	handler, ok := q.handlers[task.Type]
	q.mu.Unlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"task_id":   task.ID,
			"task_type": task.Type,
		}).Warn("dropping task with no registered handler")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"task_id":   task.ID,
				"task_type": task.Type,
				"panic":     r,
			}).Error("queue handler panicked; task dropped")
		}
	}()

	if err := handler(ctx, task); err != nil {
		logrus.WithFields(logrus.Fields{
			"task_id":   task.ID,
			"task_type": task.Type,
			"priority":  task.Priority,
			"error":     err,
		}).Error("queue task failed; dropping")
	}
}
