package service

import "sync"

// syncWaiter hands one result to a goroutine blocked on a correlation ID.
type syncWaiter[T any] struct {
	mu      sync.Mutex
	waiters map[string]chan T
}

func newSyncWaiter[T any]() *syncWaiter[T] {
	return &syncWaiter[T]{waiters: make(map[string]chan T)}
}

// register creates the channel a waiter for id receives on.
func (w *syncWaiter[T]) register(id string) <-chan T {
	ch := make(chan T, 1)
	w.mu.Lock()
	w.waiters[id] = ch
	w.mu.Unlock()
	return ch
}

func (w *syncWaiter[T]) unregister(id string) {
	w.mu.Lock()
	delete(w.waiters, id)
	w.mu.Unlock()
}

// deliver passes v to the waiter for id and removes it. It reports false
// when nobody in this process is waiting.
func (w *syncWaiter[T]) deliver(id string, v T) bool {
	w.mu.Lock()
	ch, ok := w.waiters[id]
	if ok {
		delete(w.waiters, id)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- v
	return true
}
