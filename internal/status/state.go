package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/tallychat/tally/internal/bus"
)

// State represents a client runtime state.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Locked       State = "LOCKED" // signed in, passcode gate not yet cleared
	Ready        State = "READY"
	Degraded     State = "DEGRADED" // link quality poor, polling fallback active
	Offline      State = "OFFLINE"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Locked, Error},
	AuthRequired: {Locked, Error},
	Locked:       {Ready, AuthRequired, Error},
	Ready:        {Degraded, Offline, Locked, AuthRequired, Error},
	Degraded:     {Ready, Offline, Locked, AuthRequired, Error},
	Offline:      {Ready, Degraded, Locked, AuthRequired, Error},
	Error:        {Booting},
}

// Machine tracks and enforces client runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Serving reports whether the client is in a usable (unlocked) state.
// The health endpoint maps this to SERVING/NOT_SERVING.
func (m *Machine) Serving() bool {
	s := m.Current()
	return s == Ready || s == Degraded
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.E(bus.KindStatusChanged, StatusChange{From: from, To: to}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
