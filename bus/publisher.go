package bus

import (
	"time"

	"callrelay/core"
	"callrelay/events/turn"
	"callrelay/runner"
)

// CallEvent is the JSON body of every published message.
type CallEvent struct {
	Type      string `json:"type"`
	StreamSid string `json:"stream_sid"`
	CallSid   string `json:"call_sid,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	Text      string `json:"text,omitempty"`
	Digit     string `json:"digit,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Reason    string `json:"reason,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Timestamp int64  `json:"ts"`
}

// Publisher mirrors session notifications onto NATS subjects named
// <prefix>.<type>, e.g. callrelay.dtmf.
type Publisher struct {
	runner.NopObserver

	client *Client
	prefix string
	logger *core.Logger
}

func NewPublisher(client *Client, prefix string, logger *core.Logger) *Publisher {
	if logger == nil {
		logger = core.GetLogger()
	}
	if prefix == "" {
		prefix = "callrelay"
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		logger: logger.With(map[string]interface{}{"component": "bus_publisher"}),
	}
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *Publisher) publish(sc *runner.SessionContext, evt CallEvent) {
	evt.StreamSid = sc.StreamSid
	evt.CallSid = sc.CallSid
	evt.Timestamp = time.Now().UnixMilli()
	if err := p.client.Publish(p.Subject(evt.Type), evt); err != nil {
		p.logger.Warn("publish failed", "type", evt.Type, "error", err)
	}
}

func (p *Publisher) CallStarted(sc *runner.SessionContext) {
	p.publish(sc, CallEvent{Type: "call.started"})
}

func (p *Publisher) CallEnded(sc *runner.SessionContext, reason string) {
	p.publish(sc, CallEvent{Type: "call.ended", Reason: reason})
}

func (p *Publisher) BargeIn(sc *runner.SessionContext) {
	p.publish(sc, CallEvent{Type: "barge_in"})
}

func (p *Publisher) Transcript(sc *runner.SessionContext, seq uint64, text string) {
	p.publish(sc, CallEvent{Type: "transcript", Seq: seq, Text: text})
}

func (p *Publisher) TurnFinished(sc *runner.SessionContext, res *turn.ResultEvent, outcome runner.TurnOutcome) {
	p.publish(sc, CallEvent{
		Type:      "turn",
		Seq:       res.Seq,
		Text:      res.ReplyText,
		Outcome:   string(outcome),
		LatencyMS: res.Latency.Milliseconds(),
	})
}

func (p *Publisher) DTMF(sc *runner.SessionContext, digit string) {
	p.publish(sc, CallEvent{Type: "dtmf", Digit: digit})
}
