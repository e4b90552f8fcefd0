package realtime

import (
	"context"
	"sync"
)

// MemoryHub is an in-process Transport shared by every client it hands out.
// It backs tests and single-machine loopback sessions.
type MemoryHub struct {
	mu     sync.Mutex
	nextID int
	topics map[string]*memoryTopic
}

type memoryTopic struct {
	subs    map[int]func([]byte)
	history [][]byte
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{topics: make(map[string]*memoryTopic)}
}

// Client returns a Transport view onto the hub.
func (h *MemoryHub) Client() Transport {
	return &memoryTransport{hub: h}
}

func (h *MemoryHub) topic(name string) *memoryTopic {
	t, ok := h.topics[name]
	if !ok {
		t = &memoryTopic{subs: make(map[int]func([]byte))}
		h.topics[name] = t
	}
	return t
}

type memoryTransport struct {
	hub    *MemoryHub
	mu     sync.Mutex
	closed bool
}

func (m *memoryTransport) Publish(_ context.Context, topic string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	h := m.hub
	h.mu.Lock()
	t := h.topic(topic)
	t.history = append(t.history, cp)
	if len(t.history) > HistoryLimit {
		t.history = t.history[len(t.history)-HistoryLimit:]
	}
	fns := make([]func([]byte), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(cp)
	}
	return nil
}

func (m *memoryTransport) Subscribe(topic string, fn func([]byte)) (func(), error) {
	h := m.hub
	h.mu.Lock()
	t := h.topic(topic)
	id := h.nextID
	h.nextID++
	t.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(t.subs, id)
		h.mu.Unlock()
	}, nil
}

func (m *memoryTransport) History(_ context.Context, topic string, limit int) ([][]byte, error) {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topic(topic)

	n := len(t.history)
	if limit > 0 && limit < n {
		n = limit
	}
	// Newest first.
	out := make([][]byte, 0, n)
	for i := len(t.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, t.history[i])
	}
	return out, nil
}

func (m *memoryTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *memoryTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
