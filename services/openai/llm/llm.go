package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"callrelay/core"

	"github.com/sashabaranov/go-openai"
)

// OpenAILLMService generates replies with the chat completions API. Any
// OpenAI-compatible endpoint works through BaseURL.
type OpenAILLMService struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	streaming   bool
	logger      *core.Logger
}

// Config holds the configuration for OpenAI service
type Config struct {
	APIKey      string  `json:"api_key" yaml:"api_key"`
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature float32 `json:"temperature,omitempty" yaml:"temperature"`
	Streaming   bool    `json:"streaming,omitempty" yaml:"streaming"`
}

const DefaultModel = "gpt-4-1106-preview"

// NewOpenAILLMService creates a new instance of OpenAILLMService
func NewOpenAILLMService(config Config, logger *core.Logger) *OpenAILLMService {
	if logger == nil {
		logger = core.GetLogger()
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAILLMService{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       config.Model,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		streaming:   config.Streaming,
		logger:      logger.With(map[string]interface{}{"component": "openai_llm", "model": config.Model}),
	}
}

// Complete returns the assistant's next message for the dialogue.
func (s *OpenAILLMService) Complete(ctx context.Context, turns []core.ConversationTurn) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Messages:    convertTurns(turns),
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	}

	var (
		text string
		err  error
	)
	if s.streaming {
		text, err = s.runStreamingCompletion(ctx, req)
	} else {
		text, err = s.runNonStreamingCompletion(ctx, req)
	}
	if err != nil {
		return "", core.NewProviderError("openai", "complete", err)
	}
	return text, nil
}

func (s *OpenAILLMService) runNonStreamingCompletion(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	s.logger.Debug("completion done",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

// runStreamingCompletion collects streamed deltas into one reply.
func (s *OpenAILLMService) runStreamingCompletion(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	req.Stream = true
	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var b strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("stream receive: %w", err)
		}
		if len(resp.Choices) > 0 {
			b.WriteString(resp.Choices[0].Delta.Content)
		}
	}
	return b.String(), nil
}

func convertTurns(turns []core.ConversationTurn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    convertRole(turn.Role),
			Content: turn.Content,
		})
	}
	return messages
}

func convertRole(role core.TurnRole) string {
	switch role {
	case core.TurnRoleSystem:
		return openai.ChatMessageRoleSystem
	case core.TurnRoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
