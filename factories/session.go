package factories

import (
	"errors"
	"fmt"
	"os"
	"time"

	"callrelay/core"
	contexthandler "callrelay/handlers/context"
	"callrelay/handlers/playback"
	"callrelay/runner"
	"callrelay/telemetry"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/trace"
)

// SessionConfig describes how every call is handled: which providers to
// use, how the conversation is seeded and how much turn backlog to allow.
type SessionConfig struct {
	STT          SessionSTTConfig                  `json:"stt" yaml:"stt"`
	LLM          LLMFactoryConfig                  `json:"llm" yaml:"llm"`
	TTS          TTSFactoryConfig                  `json:"tts" yaml:"tts"`
	Conversation contexthandler.ConversationConfig `json:"conversation" yaml:"conversation"`

	MaxPendingTurns        int `json:"max_pending_turns" yaml:"max_pending_turns"`
	ProviderTimeoutSeconds int `json:"provider_timeout_seconds" yaml:"provider_timeout_seconds"`
	InboxSize              int `json:"inbox_size" yaml:"inbox_size"`
}

// DefaultSessionConfig wires Deepgram, OpenAI and ElevenLabs with the
// default prompt and greeting. API keys still need injecting.
func DefaultSessionConfig() SessionConfig {
	rc := runner.DefaultSessionConfig()
	return SessionConfig{
		STT:                    DefaultSessionSTTConfig(),
		LLM:                    DefaultLLMFactoryConfig(),
		TTS:                    DefaultTTSFactoryConfig(),
		Conversation:           rc.Conversation,
		MaxPendingTurns:        rc.MaxPendingTurns,
		ProviderTimeoutSeconds: int(rc.ProviderTimeout / time.Second),
		InboxSize:              rc.InboxSize,
	}
}

// SessionConfigFromJSON parses a JSON blob on top of DefaultSessionConfig so
// that absent fields keep their defaults.
func SessionConfigFromJSON(data []byte) (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return SessionConfig{}, fmt.Errorf("session config: %w", err)
	}
	return cfg, nil
}

// RunnerConfig converts to the session state machine's own config.
func (c SessionConfig) RunnerConfig() runner.SessionConfig {
	return runner.SessionConfig{
		Conversation:    c.Conversation,
		InboxSize:       c.InboxSize,
		MaxPendingTurns: c.MaxPendingTurns,
		ProviderTimeout: time.Duration(c.ProviderTimeoutSeconds) * time.Second,
	}
}

func (c SessionConfig) Validate() error {
	if c.STT.ServiceConfig.DeepgramConfig == nil {
		return errors.New("session.stt.service must configure a provider")
	}
	if c.LLM.Provider() == "" {
		return errors.New("session.llm must configure a provider")
	}
	tts := 0
	if c.TTS.ElevenLabsConfig != nil {
		tts++
	}
	if c.TTS.DeepgramConfig != nil {
		tts++
	}
	if tts != 1 {
		return errors.New("session.tts must configure exactly one provider")
	}
	if c.MaxPendingTurns < 0 {
		return errors.New("session.max_pending_turns must be >= 0")
	}
	if c.ProviderTimeoutSeconds < 0 {
		return errors.New("session.provider_timeout_seconds must be >= 0")
	}
	return nil
}

// APIKeys holds provider credentials. They come from the environment so
// that settings files carry no secrets.
type APIKeys struct {
	Deepgram   string
	OpenAI     string
	Groq       string
	Together   string
	DeepSeek   string
	OpenRouter string
	ElevenLabs string
}

func APIKeysFromEnv() APIKeys {
	return APIKeys{
		Deepgram:   os.Getenv("DEEPGRAM_API_KEY"),
		OpenAI:     os.Getenv("OPENAI_API_KEY"),
		Groq:       os.Getenv("GROQ_API_KEY"),
		Together:   os.Getenv("TOGETHER_API_KEY"),
		DeepSeek:   os.Getenv("DEEPSEEK_API_KEY"),
		OpenRouter: os.Getenv("OPENROUTER_API_KEY"),
		ElevenLabs: os.Getenv("ELEVENLABS_API_KEY"),
	}
}

// InjectAPIKeys fills empty credentials of the configured providers. Keys
// already present in the config are kept.
func (c *SessionConfig) InjectAPIKeys(keys APIKeys) {
	if dg := c.STT.ServiceConfig.DeepgramConfig; dg != nil && dg.APIKey == "" {
		dg.APIKey = keys.Deepgram
	}
	c.LLM.injectKey(keys)
	if el := c.TTS.ElevenLabsConfig; el != nil && el.APIKey == "" {
		el.APIKey = keys.ElevenLabs
	}
	if dg := c.TTS.DeepgramConfig; dg != nil && dg.APIKey == "" {
		dg.APIKey = keys.Deepgram
	}
}

// Instruments are the cross-cutting hooks attached to every session.
type Instruments struct {
	Observer runner.Observer
	// Tracer, when set, wraps generation and synthesis in spans.
	Tracer trace.Tracer
}

func (c SessionConfig) buildConversation(inst Instruments, logger *core.Logger) (*contexthandler.ConversationState, error) {
	llm, err := BuildLLMService(c.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	var generator contexthandler.Generator = llm
	if inst.Tracer != nil {
		generator = telemetry.NewTracedGenerator(llm, inst.Tracer, c.LLM.Provider())
	}
	return contexthandler.NewConversationState(generator, logger), nil
}

// BuildStreamSession assembles the per-call state machine with a fresh
// recognizer, conversation and playback queue. sender carries outbound
// commands back to the channel.
func (c SessionConfig) BuildStreamSession(sender runner.Sender, inst Instruments, logger *core.Logger) (*runner.StreamSession, error) {
	conversation, err := c.buildConversation(inst, logger)
	if err != nil {
		return nil, err
	}

	synthesizer, err := BuildTTSService(c.TTS, logger)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if inst.Tracer != nil {
		synthesizer = telemetry.NewTracedSynthesizer(synthesizer, inst.Tracer, c.TTS.Provider())
	}

	bridge, err := c.STT.BuildBridge(logger)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	return runner.NewStreamSession(runner.Dependencies{
		Recognition:  bridge,
		Conversation: conversation,
		Synthesizer:  synthesizer,
		Sender:       sender,
		Queue:        playback.NewQueue(),
		Observer:     inst.Observer,
	}, c.RunnerConfig(), logger), nil
}

// BuildChatSession assembles a text-only session sharing the call
// configuration's prompt and generation provider.
func (c SessionConfig) BuildChatSession(inst Instruments, logger *core.Logger) (*runner.ChatSession, error) {
	conversation, err := c.buildConversation(inst, logger)
	if err != nil {
		return nil, err
	}
	return runner.NewChatSession(conversation, c.RunnerConfig(), logger), nil
}
