package core

type AudioEncodingFormat int

const (
	ULAW AudioEncodingFormat = iota // μ-law, the telephony channel's native format.
	PCM                             // Linear 16-bit PCM.
	ALAW                            // A-law.
)

func (f AudioEncodingFormat) String() string {
	switch f {
	case ULAW:
		return "audio/x-mulaw"
	case PCM:
		return "audio/l16"
	case ALAW:
		return "audio/x-alaw"
	default:
		return "unknown"
	}
}

// MediaFormat describes the audio carried on the channel.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// DefaultMediaFormat is what telephony media streams always carry.
func DefaultMediaFormat() MediaFormat {
	return MediaFormat{Encoding: ULAW.String(), SampleRate: 8000, Channels: 1}
}

// AudioChunk is one unit of synthesized speech waiting for playback.
// ID doubles as the mark name echoed back by the channel.
type AudioChunk struct {
	ID      string
	Payload []byte
}

// DurationSeconds estimates playback length for 8-bit single channel audio.
func (c AudioChunk) DurationSeconds(sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(c.Payload)) / float64(sampleRate)
}
