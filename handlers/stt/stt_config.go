package stt

type STTConfig struct {
	// EventBuffer is how many recognizer events may queue before the
	// recognizer's read loop blocks.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`
	// ForwardInterim passes interim transcripts to the session. They are only
	// logged there.
	ForwardInterim bool `json:"forward_interim" yaml:"forward_interim"`
}

func DefaultConfig() STTConfig {
	return STTConfig{
		EventBuffer:    64,
		ForwardInterim: false,
	}
}
