package runner

import (
	"context"
	"errors"
	"time"

	"callrelay/core"
	contexthandler "callrelay/handlers/context"
)

// TextChannel is a duplex text connection. *websocket.ChatService
// satisfies it.
type TextChannel interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(text string) error
}

// ChatSession answers typed messages with the same conversation logic as a
// phone call, minus audio.
type ChatSession struct {
	conversation *contexthandler.ConversationState
	config       SessionConfig
	logger       *core.Logger
}

func NewChatSession(conversation *contexthandler.ConversationState, config SessionConfig, logger *core.Logger) *ChatSession {
	if logger == nil {
		logger = core.GetLogger()
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = 30 * time.Second
	}
	return &ChatSession{
		conversation: conversation,
		config:       config,
		logger:       logger.With(map[string]interface{}{"component": "chat_session"}),
	}
}

// Run greets the peer and then answers one message at a time until the
// channel closes or ctx ends. A closed channel is a normal end.
func (c *ChatSession) Run(ctx context.Context, channel TextChannel) error {
	c.conversation.Seed(c.config.Conversation)
	if greeting := c.config.Conversation.Greeting; greeting != "" {
		if err := channel.WriteText(greeting); err != nil {
			return err
		}
	}

	for {
		text, err := channel.ReadText(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, core.ErrChannelClosed) {
				c.logger.Info("chat closed", "turns", c.conversation.Len())
				return nil
			}
			return err
		}

		replyCtx, cancel := context.WithTimeout(ctx, c.config.ProviderTimeout)
		reply, err := c.conversation.RequestReply(replyCtx, text)
		cancel()
		if err != nil {
			c.logger.Warn("chat reply failed", "error", err)
			continue
		}
		if err := channel.WriteText(reply); err != nil {
			return err
		}
	}
}
