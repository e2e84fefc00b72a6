package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/voipsms/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions. Degraded means the
// last sync left at least one line failed; AuthRequired means the provider
// rejected the credentials and waits for a config change.
var validTransitions = map[State][]State{
	Booting:      {Syncing, Ready, AuthRequired, Error},
	Ready:        {Syncing, Degraded, AuthRequired, Error},
	Syncing:      {Ready, Degraded, AuthRequired, Error},
	Degraded:     {Syncing, Ready, AuthRequired, Error},
	AuthRequired: {Syncing, Error},
	Error:        {Booting},
}

// Snapshot is the current state plus when and why it was entered.
type Snapshot struct {
	State  State
	Since  time.Time
	Reason string
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current Snapshot
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Snapshot{State: Booting, Since: time.Now()},
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.State
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is
// invalid. Moving to the current state only refreshes the reason.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current.State
	if from == to {
		m.current.Reason = reason
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = Snapshot{State: to, Since: time.Now(), Reason: reason}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: m.current.Since,
			Payload: StatusChange{
				From:   from,
				To:     to,
				Reason: reason,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Reason string
}
