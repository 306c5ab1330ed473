package runner

import (
	"time"

	"callrelay/core"
	"callrelay/events/transport"
)

// Sender writes one outbound command to the channel of streamSid.
type Sender interface {
	Send(streamSid string, cmd core.IEvent) error
}

// SessionContext is the per-call metadata captured from the start event
// plus running counters. Only the session loop mutates it.
type SessionContext struct {
	StreamSid        string
	CallSid          string
	AccountSid       string
	Tracks           []string
	MediaFormat      core.MediaFormat
	CustomParameters map[string]string
	StartedAt        time.Time

	InboundFrames  int64
	InboundBytes   int64
	LastSequence   int
	LastTimestamp  int64
	OutboundChunks int64
	BargeIns       int64
	Turns          uint64

	outbound Sender
}

func newSessionContext(evt *transport.StartEvent, outbound Sender, now time.Time) *SessionContext {
	return &SessionContext{
		StreamSid:        evt.StreamSid,
		CallSid:          evt.CallSid,
		AccountSid:       evt.AccountSid,
		Tracks:           evt.Tracks,
		MediaFormat:      evt.MediaFormat,
		CustomParameters: evt.CustomParameters,
		StartedAt:        now,
		LastSequence:     evt.Sequence,
		outbound:         outbound,
	}
}

// Emit sends cmd tagged with this call's stream id. It fails with
// ErrChannelClosed once the session has ended.
func (c *SessionContext) Emit(cmd core.IEvent) error {
	if c.outbound == nil {
		return core.ErrChannelClosed
	}
	return c.outbound.Send(c.StreamSid, cmd)
}

// release drops the channel handle. Counters stay readable.
func (c *SessionContext) release() {
	c.outbound = nil
}

// Duration is the wall time since the start event.
func (c *SessionContext) Duration(now time.Time) time.Duration {
	return now.Sub(c.StartedAt)
}

func (c *SessionContext) logAttrs() map[string]interface{} {
	return map[string]interface{}{
		"stream_sid": c.StreamSid,
		"call_sid":   c.CallSid,
	}
}
