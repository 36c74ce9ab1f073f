// Package update implements the Update State Machine (C5): versioned
// release directories, atomic symlink pivot, staged download, health-gated
// promotion, and rollback. Grounded on
// original_source/src/mcp_raspi/updates/state_machine.py (state machine and
// transitions) and updates/operations.py (atomic symlink switch).
package update

import (
	"time"

	"github.com/torvus/raspictl/internal/ctlerr"
)

// State is one node of the update state machine, per spec.md §4.5.
type State string

const (
	StateIdle        State = "idle"
	StateChecking    State = "checking"
	StatePreparing   State = "preparing"
	StateSwitching   State = "switching"
	StateVerifying   State = "verifying"
	StateSuccess     State = "success"
	StateFailed      State = "failed"
	StateRollingBack State = "rolling_back"
)

// validTransitions is the fixed transition table from spec.md §4.5 and
// state_machine.py's _VALID_TRANSITIONS.
var validTransitions = map[State]map[State]bool{
	StateIdle:        {StateChecking: true},
	StateChecking:    {StatePreparing: true, StateIdle: true, StateFailed: true},
	StatePreparing:   {StateSwitching: true, StateFailed: true},
	StateSwitching:   {StateVerifying: true, StateFailed: true},
	StateVerifying:   {StateSuccess: true, StateFailed: true},
	StateFailed:      {StateRollingBack: true, StateIdle: true},
	StateRollingBack: {StateIdle: true},
	StateSuccess:     {StateIdle: true},
}

// canTransition reports whether from -> to is a valid edge.
func canTransition(from, to State) bool {
	return validTransitions[from][to]
}

// Data is the persistent state record, per spec.md §3 "Update State".
type Data struct {
	State             State     `json:"state"`
	TargetVersion     string    `json:"target_version,omitempty"`
	OldVersion        string    `json:"old_version,omitempty"`
	Channel           string    `json:"channel,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	LastTransitionAt  time.Time `json:"last_transition_at,omitempty"`
	FailureCount      int       `json:"failure_count"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	ProgressPercent   float64   `json:"progress_percent"`
}

func newData() Data {
	return Data{State: StateIdle}
}

// transition validates and applies from -> to in place, stamping
// LastTransitionAt. A rejected transition leaves d unchanged and returns
// invalid_argument, per spec.md §8's universal invariant.
func (d *Data) transition(to State, opts ...transitionOption) error {
	if !canTransition(d.State, to) {
		valid := make([]string, 0, len(validTransitions[d.State]))
		for s := range validTransitions[d.State] {
			valid = append(valid, string(s))
		}
		return ctlerr.InvalidArgumentf(map[string]any{
			"current_state":    string(d.State),
			"target_state":     string(to),
			"valid_transitions": valid,
		}, "update: invalid transition from %s to %s", d.State, to)
	}

	d.State = to
	d.LastTransitionAt = time.Now().UTC()
	for _, opt := range opts {
		opt(d)
	}
	return nil
}

type transitionOption func(*Data)

func withError(msg string) transitionOption {
	return func(d *Data) { d.ErrorMessage = msg }
}

func withProgress(pct float64) transitionOption {
	return func(d *Data) { d.ProgressPercent = pct }
}
