package upload

import "fmt"

// State of the upload engine. The session controller owns the state and is
// the single source of truth for what pause/resume/abort mean at any instant.
type State int

const (
	StateIdle State = iota
	StateHashing
	StateInitializing
	StateUploading
	StatePaused
	StateCompleting
	StateSucceeded
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHashing:
		return "hashing"
	case StateInitializing:
		return "initializing"
	case StateUploading:
		return "uploading"
	case StatePaused:
		return "paused"
	case StateCompleting:
		return "completing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAborted
}

var validTransitions = map[State][]State{
	StateIdle:         {StateHashing},
	StateHashing:      {StateInitializing, StateFailed, StateAborted},
	StateInitializing: {StateUploading, StateSucceeded, StateFailed, StateAborted},
	StateUploading:    {StatePaused, StateCompleting, StateFailed, StateAborted},
	StatePaused:       {StateUploading, StateAborted},
	StateCompleting:   {StateSucceeded, StateFailed, StateAborted},
}

func (s State) canTransition(to State) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
