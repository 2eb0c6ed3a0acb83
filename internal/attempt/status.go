package attempt

// Status is the client-side lifecycle state of an attempt. Transitions only
// move forward, except Submitting → InProgress when a submission fails before
// the server recorded it.
type Status int

const (
	StatusNotStarted Status = iota
	StatusInProgress
	StatusSubmitting
	StatusSubmitted
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusInProgress:
		return "in_progress"
	case StatusSubmitting:
		return "submitting"
	case StatusSubmitted:
		return "submitted"
	default:
		return "unknown"
	}
}

// Trigger records what initiated a submission.
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerTimeout Trigger = "timeout"
)
