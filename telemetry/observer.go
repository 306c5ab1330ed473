package telemetry

import (
	"context"
	"sync"
	"time"

	"callrelay/core"
	"callrelay/events/turn"
	"callrelay/runner"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CallMetrics records session activity as otel instruments and keeps one
// span open per call.
type CallMetrics struct {
	tracer trace.Tracer

	callsStarted metric.Int64Counter
	callsEnded   metric.Int64Counter
	activeCalls  metric.Int64UpDownCounter
	chunksSent   metric.Int64Counter
	audioBytes   metric.Int64Counter
	bargeIns     metric.Int64Counter
	transcripts  metric.Int64Counter
	turns        metric.Int64Counter
	turnLatency  metric.Float64Histogram
	dtmf         metric.Int64Counter
	callDuration metric.Float64Histogram

	mu    sync.Mutex
	spans map[string]trace.Span
}

func NewCallMetrics(meter metric.Meter, tracer trace.Tracer) (*CallMetrics, error) {
	m := &CallMetrics{tracer: tracer, spans: make(map[string]trace.Span)}
	var err error
	if m.callsStarted, err = meter.Int64Counter("callrelay.calls.started",
		metric.WithDescription("Calls that received a start message")); err != nil {
		return nil, err
	}
	if m.callsEnded, err = meter.Int64Counter("callrelay.calls.ended",
		metric.WithDescription("Calls that ended, by reason")); err != nil {
		return nil, err
	}
	if m.activeCalls, err = meter.Int64UpDownCounter("callrelay.calls.active"); err != nil {
		return nil, err
	}
	if m.chunksSent, err = meter.Int64Counter("callrelay.playback.chunks"); err != nil {
		return nil, err
	}
	if m.audioBytes, err = meter.Int64Counter("callrelay.playback.bytes"); err != nil {
		return nil, err
	}
	if m.bargeIns, err = meter.Int64Counter("callrelay.barge_ins"); err != nil {
		return nil, err
	}
	if m.transcripts, err = meter.Int64Counter("callrelay.transcripts"); err != nil {
		return nil, err
	}
	if m.turns, err = meter.Int64Counter("callrelay.turns",
		metric.WithDescription("Finished turns, by kind and outcome")); err != nil {
		return nil, err
	}
	if m.turnLatency, err = meter.Float64Histogram("callrelay.turn.latency",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.dtmf, err = meter.Int64Counter("callrelay.dtmf"); err != nil {
		return nil, err
	}
	if m.callDuration, err = meter.Float64Histogram("callrelay.call.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CallMetrics) CallStarted(sc *runner.SessionContext) {
	ctx := context.Background()
	m.callsStarted.Add(ctx, 1)
	m.activeCalls.Add(ctx, 1)
	if m.tracer == nil {
		return
	}
	_, span := m.tracer.Start(ctx, "call",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("call.stream_sid", sc.StreamSid),
			attribute.String("call.call_sid", sc.CallSid),
		),
	)
	m.mu.Lock()
	m.spans[sc.StreamSid] = span
	m.mu.Unlock()
}

func (m *CallMetrics) CallEnded(sc *runner.SessionContext, reason string) {
	ctx := context.Background()
	m.callsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.activeCalls.Add(ctx, -1)
	m.callDuration.Record(ctx, sc.Duration(time.Now()).Seconds())

	m.mu.Lock()
	span, ok := m.spans[sc.StreamSid]
	delete(m.spans, sc.StreamSid)
	m.mu.Unlock()
	if ok {
		span.SetAttributes(
			attribute.String("call.end_reason", reason),
			attribute.Int64("call.barge_ins", int64(sc.BargeIns)),
			attribute.Int64("call.outbound_chunks", int64(sc.OutboundChunks)),
		)
		span.End()
	}
}

func (m *CallMetrics) ChunkSent(_ *runner.SessionContext, chunk core.AudioChunk) {
	ctx := context.Background()
	m.chunksSent.Add(ctx, 1)
	m.audioBytes.Add(ctx, int64(len(chunk.Payload)))
}

func (m *CallMetrics) BargeIn(sc *runner.SessionContext) {
	m.bargeIns.Add(context.Background(), 1)
	m.event(sc, "barge_in")
}

func (m *CallMetrics) Transcript(sc *runner.SessionContext, seq uint64, _ string) {
	m.transcripts.Add(context.Background(), 1)
	m.event(sc, "transcript", attribute.Int64("turn.seq", int64(seq)))
}

func (m *CallMetrics) TurnFinished(sc *runner.SessionContext, res *turn.ResultEvent, outcome runner.TurnOutcome) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("kind", string(res.Kind)),
		attribute.String("outcome", string(outcome)),
	)
	m.turns.Add(ctx, 1, attrs)
	if res.Latency > 0 {
		m.turnLatency.Record(ctx, res.Latency.Seconds(), attrs)
	}
	m.event(sc, "turn",
		attribute.Int64("turn.seq", int64(res.Seq)),
		attribute.String("turn.outcome", string(outcome)),
	)
}

func (m *CallMetrics) DTMF(sc *runner.SessionContext, digit string) {
	m.dtmf.Add(context.Background(), 1)
	m.event(sc, "dtmf", attribute.String("dtmf.digit", digit))
}

func (m *CallMetrics) event(sc *runner.SessionContext, name string, attrs ...attribute.KeyValue) {
	if sc == nil {
		return
	}
	m.mu.Lock()
	span, ok := m.spans[sc.StreamSid]
	m.mu.Unlock()
	if ok {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}
