package protocol

import (
	"bytes"
	"strconv"
)

// EventType is the "event" discriminator of media stream messages.
type EventType string

const (
	// Channel -> relay
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventMark      EventType = "mark"
	EventStop      EventType = "stop"
	EventDTMF      EventType = "dtmf"

	// Relay -> channel
	EventClear EventType = "clear"
)

// Number accepts both JSON numbers and numeric strings. The channel sends
// sequence numbers, chunk numbers and timestamps as strings.
type Number int64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*n = Number(v)
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(n), 10))), nil
}

// Envelope is the outer JSON object of every inbound message.
type Envelope struct {
	Event          EventType     `json:"event"`
	SequenceNumber Number        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	DTMF           *DTMFPayload  `json:"dtmf,omitempty"`
}

type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     Number `json:"chunk,omitempty"`
	Timestamp Number `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

type StopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

type DTMFPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// OutboundMessage is what the relay writes to the channel.
type OutboundMessage struct {
	Event     EventType             `json:"event"`
	StreamSid string                `json:"streamSid"`
	Media     *OutboundMediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload          `json:"mark,omitempty"`
}

type OutboundMediaPayload struct {
	Payload string `json:"payload"`
}
