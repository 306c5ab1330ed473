package factories

import (
	"context"

	"callrelay/core"
	"callrelay/runner"
	"callrelay/transports/twilio"
	chattransport "callrelay/transports/websocket"
)

// GetProvider constructs the Twilio media stream provider from the
// transport settings.
func (c SettingsConfig) GetProvider(logger *core.Logger) *twilio.TwilioTransportProvider {
	transport := c.Transport
	return twilio.NewTwilioTransportProvider(&transport, logger)
}

// ChatHandler answers text chat connections with a ChatSession built per
// connection from the same session settings as calls.
func (p *Pipeline) ChatHandler() twilio.ChatHandler {
	return func(svc *chattransport.ChatService, ctx context.Context) error {
		cfg, err := p.sessionConfig(ctx)
		if err != nil {
			return err
		}
		chat, err := cfg.BuildChatSession(p.instruments, p.logger)
		if err != nil {
			return err
		}
		return chat.Run(ctx, svc)
	}
}

type chatRegistrar interface {
	RegisterChatHandler(handler twilio.ChatHandler) error
}

var _ runner.TextChannel = (*chattransport.ChatService)(nil)
