package capture

// State is a step of the voice note lifecycle.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateDraft
	StateSending
	StateSent
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateDraft:
		return "draft"
	case StateSending:
		return "sending"
	case StateSent:
		return "sent"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}
