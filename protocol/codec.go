package protocol

import (
	"encoding/base64"
	"fmt"

	"callrelay/core"
	"callrelay/events/transport"

	"github.com/bytedance/sonic"
)

// Decode parses one inbound channel message into a typed event. Every
// failure is a *core.MalformedEventError.
func Decode(data []byte) (core.IEvent, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, malformed(data, "invalid json", err)
	}
	if env.Event == "" {
		return nil, malformed(data, "missing event field", nil)
	}

	seq := int(env.SequenceNumber)

	switch env.Event {
	case EventConnected:
		return &transport.ConnectedEvent{Protocol: env.Protocol, Version: env.Version}, nil

	case EventStart:
		if env.Start == nil {
			return nil, malformed(data, "start without start object", nil)
		}
		sid := env.StreamSid
		if sid == "" {
			sid = env.Start.StreamSid
		}
		if sid == "" {
			return nil, malformed(data, "start without streamSid", nil)
		}
		format := core.DefaultMediaFormat()
		if env.Start.MediaFormat.Encoding != "" {
			format = core.MediaFormat(env.Start.MediaFormat)
		}
		return &transport.StartEvent{
			Sequence:         seq,
			StreamSid:        sid,
			AccountSid:       env.Start.AccountSid,
			CallSid:          env.Start.CallSid,
			Tracks:           env.Start.Tracks,
			CustomParameters: env.Start.CustomParameters,
			MediaFormat:      format,
		}, nil

	case EventMedia:
		if env.Media == nil {
			return nil, malformed(data, "media without media object", nil)
		}
		payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return nil, malformed(data, "media payload is not base64", err)
		}
		return &transport.MediaEvent{
			Sequence:  seq,
			StreamSid: env.StreamSid,
			Track:     env.Media.Track,
			Chunk:     int(env.Media.Chunk),
			Timestamp: int64(env.Media.Timestamp),
			Payload:   payload,
		}, nil

	case EventMark:
		if env.Mark == nil || env.Mark.Name == "" {
			return nil, malformed(data, "mark without name", nil)
		}
		return &transport.MarkEvent{Sequence: seq, StreamSid: env.StreamSid, Name: env.Mark.Name}, nil

	case EventStop:
		evt := &transport.StopEvent{Sequence: seq, StreamSid: env.StreamSid}
		if env.Stop != nil {
			evt.AccountSid = env.Stop.AccountSid
			evt.CallSid = env.Stop.CallSid
		}
		return evt, nil

	case EventDTMF:
		if env.DTMF == nil || env.DTMF.Digit == "" {
			return nil, malformed(data, "dtmf without digit", nil)
		}
		return &transport.DTMFEvent{
			Sequence:  seq,
			StreamSid: env.StreamSid,
			Track:     env.DTMF.Track,
			Digit:     env.DTMF.Digit,
		}, nil
	}

	return nil, malformed(data, fmt.Sprintf("unknown event %q", env.Event), nil)
}

// Encode renders an outbound command for streamSid.
func Encode(streamSid string, cmd core.IEvent) ([]byte, error) {
	msg := OutboundMessage{StreamSid: streamSid}
	switch c := cmd.(type) {
	case *transport.MediaCommand:
		msg.Event = EventMedia
		msg.Media = &OutboundMediaPayload{Payload: base64.StdEncoding.EncodeToString(c.Payload)}
	case *transport.MarkCommand:
		msg.Event = EventMark
		msg.Mark = &MarkPayload{Name: c.Name}
	case *transport.ClearCommand:
		msg.Event = EventClear
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", cmd)
	}

	data, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q: %w", msg.Event, err)
	}
	return data, nil
}

func malformed(raw []byte, reason string, err error) error {
	return &core.MalformedEventError{Raw: raw, Reason: reason, Err: err}
}
