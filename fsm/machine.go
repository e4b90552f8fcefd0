// Package fsm is the session orchestration state machine: a guarded
// transition table driven through a single-flight event queue, so exactly one
// transition executes at a time no matter how many goroutines send events.
package fsm

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"parley.chat/emit"
)

type State string

type EventType string

type Event struct {
	Type    EventType
	Payload any
}

// Guard is a pure predicate over context; a transition whose guard rejects
// the current context is skipped.
type Guard func(*Context) bool

// Action runs after the transition's target state has been applied. A
// non-nil error forces the machine into StateError with the message recorded
// in context, overriding the declared target.
type Action func(ctx context.Context, ev Event) error

type Transition struct {
	To     State
	Guard  Guard
	Action Action
}

// Snapshot is the immutable view handed to observers after every transition.
type Snapshot struct {
	State   State
	Context Context
}

type Machine struct {
	log *log.Logger

	mu      sync.Mutex
	state   State
	context *Context
	table   map[State]map[EventType][]Transition
	queue   []Event
	pumping bool

	observers *emit.Emitter[Snapshot]
	runCtx    context.Context
}

func NewMachine(initial State, ctx *Context, logger *log.Logger) *Machine {
	return &Machine{
		log:       logger,
		state:     initial,
		context:   ctx,
		table:     make(map[State]map[EventType][]Transition),
		observers: emit.New[Snapshot](),
		runCtx:    context.Background(),
	}
}

// AddTransition registers one (state, event) entry. Multiple entries for the
// same pair are tried in registration order; the first whose guard accepts
// wins.
func (m *Machine) AddTransition(from State, on EventType, tr Transition) {
	if m.table[from] == nil {
		m.table[from] = make(map[EventType][]Transition)
	}
	m.table[from][on] = append(m.table[from][on], tr)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, Context: m.context.clone()}
}

// Update mutates context under the machine's lock. Actions use this instead
// of holding a context reference across blocking calls.
func (m *Machine) Update(fn func(*Context)) {
	m.mu.Lock()
	fn(m.context)
	m.mu.Unlock()
}

// OnTransition registers an observer notified synchronously after every
// transition, successful or forced to error. Returns an unsubscribe handle.
func (m *Machine) OnTransition(fn func(Snapshot)) func() {
	return m.observers.Subscribe(fn)
}

// Send enqueues an event. The first caller becomes the pump and drains the
// queue, including events synthesized by actions along the way; concurrent
// callers enqueue and return immediately. Transitions therefore never
// overlap, and events are processed in arrival order.
func (m *Machine) Send(ev Event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	if m.pumping {
		m.mu.Unlock()
		return
	}
	m.pumping = true
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.dispatch(next)
		m.mu.Lock()
	}
	m.pumping = false
	m.mu.Unlock()
}

func (m *Machine) dispatch(ev Event) {
	m.mu.Lock()
	var tr *Transition
	for i, cand := range m.table[m.state][ev.Type] {
		if cand.Guard == nil || cand.Guard(m.context) {
			tr = &m.table[m.state][ev.Type][i]
			break
		}
	}
	if tr == nil {
		m.log.Debug("ignoring event", "state", m.state, "event", ev.Type)
		m.mu.Unlock()
		return
	}

	from := m.state
	m.state = tr.To
	m.mu.Unlock()

	m.log.Info("transition", "from", from, "event", ev.Type, "to", tr.To)

	if tr.Action != nil {
		if err := tr.Action(m.runCtx, ev); err != nil {
			// Unconditional safety net: an action failure lands in the
			// error state regardless of the declared target.
			m.mu.Lock()
			m.state = StateError
			m.context.Err = err.Error()
			m.mu.Unlock()
			m.log.Error("action failed",
				"from", from,
				"event", ev.Type,
				"error", err,
			)
		}
	}

	m.observers.Emit(m.Snapshot())
}
