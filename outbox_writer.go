package chatcore

import (
	"context"
	"sync"

	"github.com/coregx/chatcore/model"
)

// outboxWriter applies OutboxRepository writes in the order they were
// queued, on a goroutine of its own. Queue bookkeeping happens under the
// connection lock; the database round trips happen here.
//
// At most one runner goroutine exists at a time and it exits when the backlog
// is empty, so the writer needs no Close.
type outboxWriter struct {
	store  OutboxRepository
	logger Logger

	mu      sync.Mutex
	ops     []func()
	running bool

	// ids maps MessageID to storage id for items saved before their
	// Delete was queued. Only the runner touches it.
	ids map[string]int64
}

func newOutboxWriter(store OutboxRepository, logger Logger) *outboxWriter {
	return &outboxWriter{
		store:  store,
		logger: logger,
		ids:    make(map[string]int64),
	}
}

func (w *outboxWriter) enqueue(op func()) {
	w.mu.Lock()
	w.ops = append(w.ops, op)
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()
	go w.run()
}

func (w *outboxWriter) run() {
	for {
		w.mu.Lock()
		if len(w.ops) == 0 {
			w.running = false
			w.mu.Unlock()
			return
		}
		op := w.ops[0]
		w.ops[0] = nil
		w.ops = w.ops[1:]
		w.mu.Unlock()
		op()
	}
}

// save inserts or updates msg.
func (w *outboxWriter) save(msg model.OutboundMessage) {
	w.enqueue(func() {
		if msg.ID == 0 {
			msg.ID = w.ids[msg.MessageID]
		}
		saved, err := w.store.Save(context.Background(), &msg)
		if err != nil {
			w.logger.Warnf("outbox: failed to persist %s: %v", msg.MessageID, err)
			return
		}
		w.ids[msg.MessageID] = saved.ID
	})
}

// remove deletes msg if it was ever stored.
func (w *outboxWriter) remove(msg model.OutboundMessage) {
	w.enqueue(func() {
		if msg.ID == 0 {
			msg.ID = w.ids[msg.MessageID]
		}
		delete(w.ids, msg.MessageID)
		if msg.ID == 0 {
			return
		}
		if err := w.store.Delete(context.Background(), &msg); err != nil {
			w.logger.Warnf("outbox: failed to delete %s: %v", msg.MessageID, err)
		}
	})
}

// call runs fn after every write queued before it and returns its result.
// A done ctx stops the wait, not fn.
func (w *outboxWriter) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	w.enqueue(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sync waits until every write queued so far has been applied.
func (w *outboxWriter) sync(ctx context.Context) error {
	return w.call(ctx, func() error { return nil })
}

// forgetAll drops the id cache; used after the owner's rows are deleted.
func (w *outboxWriter) forgetAll() {
	w.ids = make(map[string]int64)
}
