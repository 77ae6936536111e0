package models

// Status is the phase of the session state machine.
type Status string

const (
	// StatusReady means the session is idle and accepts input.
	StatusReady Status = "ready"
	// StatusSubmitted means a request was sent and nothing has arrived yet.
	StatusSubmitted Status = "submitted"
	// StatusStreaming means response content is arriving.
	StatusStreaming Status = "streaming"
	// StatusError means the last attempt failed and will not be retried automatically.
	StatusError Status = "error"
)

// InFlight reports whether a request is outstanding in this status.
func (s Status) InFlight() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

func (s Status) String() string {
	return string(s)
}
