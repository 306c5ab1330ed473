package factories

import (
	"errors"

	"callrelay/core"
	stthandler "callrelay/handlers/stt"
	deepgramstt "callrelay/services/deepgram/stt"
)

// STTFactoryConfig holds provider-specific configs for recognizer construction.
// Set exactly one provider config; the rest should be left nil.
type STTFactoryConfig struct {
	DeepgramConfig *deepgramstt.DeepgramConfig `json:"deepgram,omitempty" yaml:"deepgram,omitempty"`
}

// BuildSTTService constructs a recognizer for one call. Recognizers hold a
// single stream, so every call needs its own.
func BuildSTTService(config STTFactoryConfig, logger *core.Logger) (stthandler.ISTTService, error) {
	if config.DeepgramConfig != nil {
		cfg := *config.DeepgramConfig
		return deepgramstt.NewDeepgramSTTService(&cfg, logger), nil
	}
	return nil, errors.New("STTFactoryConfig: no provider config specified")
}

// SessionSTTConfig bundles bridge settings with the recognizer provider.
type SessionSTTConfig struct {
	HandlerConfig stthandler.STTConfig `json:"handler" yaml:"handler"`
	ServiceConfig STTFactoryConfig     `json:"service" yaml:"service"`
}

func DefaultSessionSTTConfig() SessionSTTConfig {
	return SessionSTTConfig{
		HandlerConfig: stthandler.DefaultConfig(),
		ServiceConfig: STTFactoryConfig{DeepgramConfig: deepgramstt.DefaultConfig()},
	}
}

// BuildBridge wires a fresh recognizer into a recognition bridge.
func (c SessionSTTConfig) BuildBridge(logger *core.Logger) (*stthandler.Bridge, error) {
	service, err := BuildSTTService(c.ServiceConfig, logger)
	if err != nil {
		return nil, err
	}
	return stthandler.NewBridge(service, c.HandlerConfig, logger), nil
}
