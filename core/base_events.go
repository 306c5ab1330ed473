package core

// EndCallEvent asks the session to terminate, e.g. on call timeout.
type EndCallEvent struct {
	Reason string
}

func (e *EndCallEvent) GetId() string {
	return "shared.end_call"
}
