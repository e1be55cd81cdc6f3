package electrometer

// State is the phase of the buffered acquisition cycle.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateArmed
	StateAwaitingCompletion
	StateDraining
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "configuring"
	case StateArmed:
		return "armed"
	case StateAwaitingCompletion:
		return "awaiting completion"
	case StateDraining:
		return "draining"
	case StateTimedOut:
		return "timed out"
	default:
		return "idle"
	}
}

// toggles are device settings that slow acquisition down and are switched
// off for its duration.
type toggles struct {
	autozero  bool
	zeroCheck bool
	display   bool
}
