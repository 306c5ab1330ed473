package stt

// SpeechStartedEvent signals the caller started talking. While assistant
// audio is playing this is a barge-in.
type SpeechStartedEvent struct {
	Timestamp float64 // seconds into the recognition stream
}

func (e *SpeechStartedEvent) GetId() string {
	return "stt.speech_started"
}

type InterimTranscriptEvent struct {
	Text string
}

func (e *InterimTranscriptEvent) GetId() string {
	return "stt.interim_output"
}

type FinalTranscriptEvent struct {
	Text        string
	Confidence  float64
	SpeechFinal bool
}

func (e *FinalTranscriptEvent) GetId() string {
	return "stt.final_output"
}

type UtteranceEndEvent struct {
	LastWordEnd float64
}

func (e *UtteranceEndEvent) GetId() string {
	return "stt.utterance_end"
}

// RecognitionErrorEvent reports a provider side error. The stream may still
// be usable.
type RecognitionErrorEvent struct {
	Err error
}

func (e *RecognitionErrorEvent) GetId() string {
	return "stt.error"
}

// RecognitionClosedEvent is emitted once when the recognition stream ends.
type RecognitionClosedEvent struct {
	Err error
}

func (e *RecognitionClosedEvent) GetId() string {
	return "stt.closed"
}
