package telemetry

import (
	"context"

	"callrelay/core"
	contexthandler "callrelay/handlers/context"
	"callrelay/runner"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracedGenerator wraps a Generator in a client span per completion.
type TracedGenerator struct {
	next     contexthandler.Generator
	tracer   trace.Tracer
	provider string
}

func NewTracedGenerator(next contexthandler.Generator, tracer trace.Tracer, provider string) *TracedGenerator {
	return &TracedGenerator{next: next, tracer: tracer, provider: provider}
}

func (g *TracedGenerator) Complete(ctx context.Context, turns []core.ConversationTurn) (string, error) {
	ctx, span := g.tracer.Start(ctx, "generation.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", g.provider),
			attribute.Int("dialogue.turns", len(turns)),
		),
	)
	defer span.End()

	reply, err := g.next.Complete(ctx, turns)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("reply.chars", len(reply)))
	return reply, nil
}

// TracedSynthesizer wraps a Synthesizer in a client span per utterance.
type TracedSynthesizer struct {
	next     runner.Synthesizer
	tracer   trace.Tracer
	provider string
}

func NewTracedSynthesizer(next runner.Synthesizer, tracer trace.Tracer, provider string) *TracedSynthesizer {
	return &TracedSynthesizer{next: next, tracer: tracer, provider: provider}
}

func (s *TracedSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "speech.synthesize",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", s.provider),
			attribute.Int("text.chars", len(text)),
		),
	)
	defer span.End()

	audio, err := s.next.Synthesize(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("audio.bytes", len(audio)))
	return audio, nil
}
