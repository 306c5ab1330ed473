package transport

import "callrelay/core"

// ConnectedEvent is the first message on a media stream. It carries no
// stream id and needs no action.
type ConnectedEvent struct {
	Protocol string
	Version  string
}

func (e *ConnectedEvent) GetId() string {
	return "channel.connected"
}

type StartEvent struct {
	Sequence         int
	StreamSid        string
	AccountSid       string
	CallSid          string
	Tracks           []string
	CustomParameters map[string]string
	MediaFormat      core.MediaFormat
}

func (e *StartEvent) GetId() string {
	return "channel.start"
}

// MediaEvent is one inbound audio frame. Payload is already base64-decoded.
type MediaEvent struct {
	Sequence  int
	StreamSid string
	Track     string
	Chunk     int
	Timestamp int64 // ms since stream start
	Payload   []byte
}

func (e *MediaEvent) GetId() string {
	return "channel.media"
}

// MarkEvent acknowledges that the chunk sent with mark Name finished playing.
type MarkEvent struct {
	Sequence  int
	StreamSid string
	Name      string
}

func (e *MarkEvent) GetId() string {
	return "channel.mark"
}

type StopEvent struct {
	Sequence   int
	StreamSid  string
	AccountSid string
	CallSid    string
}

func (e *StopEvent) GetId() string {
	return "channel.stop"
}

type DTMFEvent struct {
	Sequence  int
	StreamSid string
	Track     string
	Digit     string
}

func (e *DTMFEvent) GetId() string {
	return "channel.dtmf"
}

// ChannelClosedEvent is raised by the transport when the socket goes away
// without a stop message.
type ChannelClosedEvent struct {
	Err error
}

func (e *ChannelClosedEvent) GetId() string {
	return "channel.closed"
}
