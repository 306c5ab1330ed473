package factories

import (
	"errors"

	"callrelay/core"
	openaillm "callrelay/services/openai/llm"
)

// LLMFactoryConfig selects the generation provider. Set exactly one field.
// Every provider speaks the OpenAI chat completions protocol, so they all
// run on the same client with a different base URL.
type LLMFactoryConfig struct {
	OpenAIConfig     *openaillm.Config `json:"openai,omitempty" yaml:"openai,omitempty"`
	GroqConfig       *openaillm.Config `json:"groq,omitempty" yaml:"groq,omitempty"`
	TogetherConfig   *openaillm.Config `json:"together,omitempty" yaml:"together,omitempty"`
	DeepSeekConfig   *openaillm.Config `json:"deepseek,omitempty" yaml:"deepseek,omitempty"`
	OpenRouterConfig *openaillm.Config `json:"openrouter,omitempty" yaml:"openrouter,omitempty"`
}

type compatibleProvider struct {
	name    string
	baseURL string
	model   string
	key     func(APIKeys) string
}

var compatibleProviders = []compatibleProvider{
	{"openai", "", openaillm.DefaultModel, func(k APIKeys) string { return k.OpenAI }},
	{"groq", "https://api.groq.com/openai/v1", "llama-3.3-70b-versatile", func(k APIKeys) string { return k.Groq }},
	{"together", "https://api.together.xyz/v1", "meta-llama/Llama-3.3-70B-Instruct-Turbo", func(k APIKeys) string { return k.Together }},
	{"deepseek", "https://api.deepseek.com/v1", "deepseek-chat", func(k APIKeys) string { return k.DeepSeek }},
	{"openrouter", "https://openrouter.ai/api/v1", "openai/gpt-4o", func(k APIKeys) string { return k.OpenRouter }},
}

func DefaultLLMFactoryConfig() LLMFactoryConfig {
	return LLMFactoryConfig{OpenAIConfig: &openaillm.Config{Model: openaillm.DefaultModel}}
}

// selected returns the configured provider entry and its config.
func (c LLMFactoryConfig) selected() (compatibleProvider, *openaillm.Config, bool) {
	configs := []*openaillm.Config{c.OpenAIConfig, c.GroqConfig, c.TogetherConfig, c.DeepSeekConfig, c.OpenRouterConfig}
	for i, cfg := range configs {
		if cfg != nil {
			return compatibleProviders[i], cfg, true
		}
	}
	return compatibleProvider{}, nil, false
}

// Provider names the configured provider, for logs and spans.
func (c LLMFactoryConfig) Provider() string {
	p, _, _ := c.selected()
	return p.name
}

func (c *LLMFactoryConfig) injectKey(keys APIKeys) {
	p, cfg, ok := c.selected()
	if ok && cfg.APIKey == "" {
		cfg.APIKey = p.key(keys)
	}
}

// BuildLLMService constructs the generation client, filling in the
// provider's default base URL and model.
func BuildLLMService(config LLMFactoryConfig, logger *core.Logger) (*openaillm.OpenAILLMService, error) {
	p, cfg, ok := config.selected()
	if !ok {
		return nil, errors.New("LLMFactoryConfig: no provider config specified")
	}
	resolved := *cfg
	if resolved.BaseURL == "" {
		resolved.BaseURL = p.baseURL
	}
	if resolved.Model == "" {
		resolved.Model = p.model
	}
	return openaillm.NewOpenAILLMService(resolved, logger), nil
}
