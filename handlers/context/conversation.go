package context

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"callrelay/core"
)

// Generator produces the assistant's next utterance from the full dialogue.
type Generator interface {
	Complete(ctx context.Context, turns []core.ConversationTurn) (string, error)
}

// ConversationConfig seeds a new conversation.
type ConversationConfig struct {
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	Greeting     string `json:"greeting" yaml:"greeting"`
}

func DefaultConversationConfig() ConversationConfig {
	return ConversationConfig{
		SystemPrompt: DEFAULT_SYSTEM_PROMPT,
		Greeting:     DEFAULT_GREETING,
	}
}

// ConversationState is the append-only dialogue of one call. Turns are never
// reordered, edited or pruned.
type ConversationState struct {
	mu        sync.Mutex
	turns     []core.ConversationTurn
	generator Generator
	logger    *core.Logger
}

func NewConversationState(generator Generator, logger *core.Logger) *ConversationState {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &ConversationState{
		generator: generator,
		logger:    logger.With(map[string]interface{}{"component": "conversation"}),
	}
}

// Seed adds the system prompt and, when set, the greeting as the first
// assistant turn.
func (c *ConversationState) Seed(cfg ConversationConfig) {
	if cfg.SystemPrompt != "" {
		c.AddTurn(core.TurnRoleSystem, cfg.SystemPrompt)
	}
	if cfg.Greeting != "" {
		c.AddTurn(core.TurnRoleAssistant, cfg.Greeting)
	}
}

func (c *ConversationState) AddTurn(role core.TurnRole, content string) {
	c.mu.Lock()
	c.turns = append(c.turns, core.ConversationTurn{Role: role, Content: content})
	c.mu.Unlock()
}

// RequestReply records userText, asks the generator for a reply against the
// whole dialogue and records the reply. On failure the user turn stays and
// no assistant turn is added.
func (c *ConversationState) RequestReply(ctx context.Context, userText string) (string, error) {
	if c.generator == nil {
		return "", errors.New("conversation: no generator configured")
	}

	c.mu.Lock()
	c.turns = append(c.turns, core.ConversationTurn{Role: core.TurnRoleUser, Content: userText})
	snapshot := make([]core.ConversationTurn, len(c.turns))
	copy(snapshot, c.turns)
	c.mu.Unlock()

	reply, err := c.generator.Complete(ctx, snapshot)
	if err != nil {
		return "", fmt.Errorf("conversation: request reply: %w", err)
	}

	c.AddTurn(core.TurnRoleAssistant, reply)
	c.logger.Debug("exchange complete", "user", userText, "assistant", reply)
	return reply, nil
}

// Turns returns a copy of the dialogue so far.
func (c *ConversationState) Turns() []core.ConversationTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.ConversationTurn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *ConversationState) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}
