package merge

import "fmt"

// Mode selects how each record is delivered.
type Mode string

const (
	// ModeNew sends each message as a fresh, unthreaded email
	ModeNew Mode = "new"
	// ModeFollowUp sends a reply threaded onto the record's prior message
	ModeFollowUp Mode = "followup"
	// ModeDraft stores each message as a draft without sending
	ModeDraft Mode = "draft"
)

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNew, ModeFollowUp, ModeDraft:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown send mode %q", s)
}

// State is the lifecycle of a merge run.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	default:
		return "Idle"
	}
}
