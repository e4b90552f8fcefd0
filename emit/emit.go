// Package emit is a small typed observer. Subscribers are keyed so that
// Subscribe can hand back an unsubscribe function instead of making callers
// juggle string-keyed callback maps.
package emit

import "sync"

type Emitter[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

func New[T any]() *Emitter[T] {
	return &Emitter[T]{subs: make(map[int]func(T))}
}

func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Len reports the current subscriber count, letting producers skip building
// payloads nobody is listening for.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Emit calls every subscriber synchronously, in no particular order.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	fns := make([]func(T), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
