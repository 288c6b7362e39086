package scheduler

// State is the position of the loop in its cycle.
type State int32

const (
	StateIdle State = iota
	StateReadingBlock
	StateWaiting
	StateEligible
	StateSubmitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReadingBlock:
		return "reading_block"
	case StateWaiting:
		return "waiting"
	case StateEligible:
		return "eligible"
	case StateSubmitting:
		return "submitting"
	default:
		return "unknown"
	}
}
