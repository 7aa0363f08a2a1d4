package chatcore

import (
	"sync"
)

// serialQueue runs callbacks one at a time, in post order, on its own
// goroutine. Services post observer and notification callbacks here so that
// user code never runs while a service lock is held.
type serialQueue struct {
	logger Logger

	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSerialQueue(logger Logger) *serialQueue {
	q := &serialQueue{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// post schedules fn. Posting after close is a no-op.
func (q *serialQueue) post(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops the queue after the already posted callbacks have run.
// It does not wait, so it is safe to call from inside a callback.
func (q *serialQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *serialQueue) run() {
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			q.safeCall(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}

		select {
		case <-q.wake:
		case <-q.done:
		}
	}
}

func (q *serialQueue) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorf("events: callback panicked: %v", r)
		}
	}()
	fn()
}

// observerSet holds callbacks registered by UI collaborators.
// Add returns a function that removes the callback again.
type observerSet[T any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(T)
	keys []int
}

func (s *observerSet[T]) Add(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(T))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	s.keys = append(s.keys, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.fns, id)
			for i, k := range s.keys {
				if k == id {
					s.keys = append(s.keys[:i], s.keys[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit calls every registered callback in registration order.
func (s *observerSet[T]) Emit(v T) {
	s.mu.RLock()
	fns := make([]func(T), 0, len(s.keys))
	for _, k := range s.keys {
		fns = append(fns, s.fns[k])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered callbacks.
func (s *observerSet[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
