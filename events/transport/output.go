package transport

// MediaCommand plays Payload (raw mulaw/8000) on the call.
type MediaCommand struct {
	Payload []byte
}

func (e *MediaCommand) GetId() string {
	return "channel.out.media"
}

// MarkCommand asks the channel to echo Name back once everything sent
// before it has played.
type MarkCommand struct {
	Name string
}

func (e *MarkCommand) GetId() string {
	return "channel.out.mark"
}

// ClearCommand discards all audio buffered on the channel side.
type ClearCommand struct{}

func (e *ClearCommand) GetId() string {
	return "channel.out.clear"
}
