package loop

// State is the position of the loop in a turn.
type State int

const (
	// StateIdle waits for user input.
	StateIdle State = iota
	// StateSending has a backend request outstanding.
	StateSending
	// StateStreamingText receives assistant text.
	StateStreamingText
	// StateStreamingTools receives tool invocations.
	StateStreamingTools
	// StateExecutingTools runs the pending batch.
	StateExecutingTools
	// StateContinuing sends the follow-up request after a batch.
	StateContinuing
	// StateCancelled reconciles a cancelled turn before returning to idle.
	StateCancelled
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreamingText:
		return "streaming_text"
	case StateStreamingTools:
		return "streaming_tools"
	case StateExecutingTools:
		return "executing_tools"
	case StateContinuing:
		return "continuing"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Active reports whether a turn is in progress.
func (s State) Active() bool {
	return s != StateIdle
}

// StateChangeFunc observes transitions.
type StateChangeFunc func(from, to State)
