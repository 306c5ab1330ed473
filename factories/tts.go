package factories

import (
	"errors"

	"callrelay/core"
	"callrelay/runner"
	deepgramtts "callrelay/services/deepgram/tts"
	elevenlabs "callrelay/services/elevenlabs/tts"
)

// TTSFactoryConfig holds provider-specific configs for synthesizer construction.
// Set exactly one provider config; the rest should be left nil.
type TTSFactoryConfig struct {
	ElevenLabsConfig *elevenlabs.ElevenLabsTTSConfig `json:"elevenlabs,omitempty" yaml:"elevenlabs,omitempty"`
	DeepgramConfig   *deepgramtts.DepgramTTSConfig   `json:"deepgram,omitempty" yaml:"deepgram,omitempty"`
}

func DefaultTTSFactoryConfig() TTSFactoryConfig {
	return TTSFactoryConfig{ElevenLabsConfig: &elevenlabs.ElevenLabsTTSConfig{}}
}

// Provider names the configured synthesizer, for logs and spans.
func (c TTSFactoryConfig) Provider() string {
	switch {
	case c.ElevenLabsConfig != nil:
		return "elevenlabs"
	case c.DeepgramConfig != nil:
		return "deepgram"
	}
	return ""
}

// BuildTTSService constructs a Synthesizer from the given factory config.
// Exactly one provider config must be non-nil.
func BuildTTSService(config TTSFactoryConfig, logger *core.Logger) (runner.Synthesizer, error) {
	if config.ElevenLabsConfig != nil {
		return elevenlabs.NewElevenLabsTTS(*config.ElevenLabsConfig, logger), nil
	}
	if config.DeepgramConfig != nil {
		return deepgramtts.NewDeepgramTTS(*config.DeepgramConfig, logger), nil
	}
	return nil, errors.New("TTSFactoryConfig: no provider config specified")
}
