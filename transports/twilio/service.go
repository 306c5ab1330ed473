package twilio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callrelay/core"
	"callrelay/events/transport"
	"callrelay/protocol"

	"github.com/gorilla/websocket"
)

// TwilioTransportService is one media stream WebSocket. It implements
// transport.ITransportService from the handlers package.
type TwilioTransportService struct {
	id     string
	conn   *websocket.Conn
	config *Config
	logger *core.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewTwilioTransportService wraps an upgraded connection.
func NewTwilioTransportService(id string, conn *websocket.Conn, config *Config, logger *core.Logger) *TwilioTransportService {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &TwilioTransportService{
		id:     id,
		conn:   conn,
		config: config,
		logger: logger.With(map[string]interface{}{"component": "twilio_stream", "connection_id": id}),
		closed: make(chan struct{}),
	}
}

func (t *TwilioTransportService) ID() string {
	return t.id
}

// StartReceiving blocks reading frames until the socket closes or ctx ends.
// The last event handed to sink is always a ChannelClosedEvent.
func (t *TwilioTransportService) StartReceiving(ctx context.Context, sink func(core.IEvent)) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			var cause error
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = fmt.Errorf("media stream read: %w", err)
			}
			select {
			case <-t.closed:
				cause = nil
			default:
			}
			sink(&transport.ChannelClosedEvent{Err: cause})
			return cause
		}
		if messageType != websocket.TextMessage {
			t.logger.Debug("ignoring non-text frame", "type", messageType)
			continue
		}

		evt, err := protocol.Decode(data)
		if err != nil {
			var malformed *core.MalformedEventError
			if errors.As(err, &malformed) {
				t.logger.Warn("dropping malformed message", "reason", malformed.Reason, "error", malformed.Err)
				continue
			}
			t.logger.Warn("dropping message", "error", err)
			continue
		}
		sink(evt)
	}
}

// Send encodes cmd for streamSid and writes it as one text frame.
func (t *TwilioTransportService) Send(streamSid string, cmd core.IEvent) error {
	data, err := protocol.Encode(streamSid, cmd)
	if err != nil {
		return err
	}

	select {
	case <-t.closed:
		return core.ErrChannelClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("media stream write %s: %w", cmd.GetId(), err)
	}
	return nil
}

// Close sends a close frame and releases the socket. Safe to call twice.
func (t *TwilioTransportService) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
