package transport

import (
	"context"

	"callrelay/core"
)

// ITransportService is one live duplex audio channel.
type ITransportService interface {
	// StartReceiving decodes inbound messages and hands each event to sink,
	// in arrival order, until the channel closes or ctx ends. Malformed
	// messages are logged and skipped.
	StartReceiving(ctx context.Context, sink func(core.IEvent)) error
	// Send encodes an outbound command for streamSid and writes it.
	Send(streamSid string, cmd core.IEvent) error
	Close() error
}

type ITransportProvider interface {
	Start() error
	Stop() error
	RegisterJobHandler(
		func(svc ITransportService, ctx context.Context) error,
	) error
}
