package controller

import (
	"errors"
	"fmt"
	"time"
)

// State is the system-wide rollout phase.
type State string

const (
	StateInitializing  State = "initializing"
	StateTesting       State = "testing"
	StateShadow        State = "shadow"
	StateCanary        State = "canary"
	StateRamping       State = "ramping"
	StateLive          State = "live"
	StatePaused        State = "paused"
	StateEmergencyStop State = "emergency_stop"
)

// ParseState converts a persisted value into a State.
func ParseState(raw string) (State, error) {
	switch s := State(raw); s {
	case StateInitializing, StateTesting, StateShadow, StateCanary, StateRamping, StateLive, StatePaused, StateEmergencyStop:
		return s, nil
	default:
		return "", fmt.Errorf("unknown controller state %q", raw)
	}
}

// Interrupted reports whether s is one of the states reachable from anywhere.
func (s State) Interrupted() bool {
	return s == StatePaused || s == StateEmergencyStop
}

// predecessors lists the states each rollout phase may be entered from.
var predecessors = map[State][]State{
	StateTesting: {StateInitializing},
	StateShadow:  {StateInitializing, StateTesting},
	StateCanary:  {StateShadow},
	StateRamping: {StateCanary},
	StateLive:    {StateRamping},
}

// canAdvance reports whether the rollout may move from one phase to the next.
func canAdvance(from, to State) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

var (
	// ErrBadConfirmation is returned when the live trading confirmation code does not match.
	ErrBadConfirmation = errors.New("invalid confirmation code")
	// ErrPreflightFailed is returned when a transition requires a passing pre-flight check.
	ErrPreflightFailed = errors.New("pre-flight check failed")
	// ErrIllegalTransition is returned when the current state does not allow the request.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrPrecondition is returned when the statistics gating a transition are missing or short.
	ErrPrecondition = errors.New("transition precondition not met")
)

// snapshot is the persisted controller state.
type snapshot struct {
	State           State     `json:"state"`
	Since           time.Time `json:"since"`
	PausedFrom      State     `json:"paused_from,omitempty"`
	ShadowStartedAt time.Time `json:"shadow_started_at,omitempty"`
	CanaryStartedAt time.Time `json:"canary_started_at,omitempty"`
}
