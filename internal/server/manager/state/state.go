package state

import (
	"fmt"
	"sync"
	"time"
)

// State enumerates the lifecycle phases of a supervised VM.
type State string

const (
	Stopped      State = "stopped"
	Initializing State = "initializing"
	Starting     State = "starting"
	Running      State = "running"
	Stopping     State = "stopping"
	Errored      State = "error"
)

// edges lists the permitted transitions. Stopping from Initializing or
// Starting covers a stop() racing an in-flight start(): the start sequence
// must unwind instead of racing to Running.
var edges = map[State][]State{
	Stopped:      {Initializing},
	Initializing: {Starting, Stopping, Errored},
	Starting:     {Running, Stopping, Errored},
	Running:      {Stopping, Errored},
	Stopping:     {Stopped},
	Errored:      {Initializing},
}

// Transition describes one applied state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// InvalidTransitionError reports a rejected edge.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("state: invalid transition %s -> %s", e.From, e.To)
}

// Machine guards the lifecycle state of a single handle. It performs no I/O:
// it only validates and applies transition requests, invoking notify for
// each applied transition while still holding the lock, so every observer
// sees the same total order.
type Machine struct {
	mu      sync.Mutex
	current State
	notify  func(Transition)
}

// New creates a machine at initial. notify may be nil.
func New(initial State, notify func(Transition)) *Machine {
	return &Machine{current: initial, notify: notify}
}

// Current returns the present state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition applies current -> to, rejecting edges outside the lifecycle
// graph without side effects.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(to, reason)
}

// TransitionFrom applies from -> to only when the machine is still in from.
// It returns false, without side effects, when the state moved on in the
// meantime; this is how slow paths (the readiness settle, for example) avoid
// clobbering a concurrent stop.
func (m *Machine) TransitionFrom(from, to State, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != from {
		return false, nil
	}
	if err := m.apply(to, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Machine) apply(to State, reason string) error {
	if !allowed(m.current, to) {
		return &InvalidTransitionError{From: m.current, To: to}
	}
	tr := Transition{From: m.current, To: to, Reason: reason, At: time.Now().UTC()}
	m.current = to
	if m.notify != nil {
		m.notify(tr)
	}
	return nil
}

func allowed(from, to State) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}
