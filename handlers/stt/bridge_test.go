package stt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callrelay/core"
	"callrelay/events/stt"
)

type fakeRecognizer struct {
	mu       sync.Mutex
	events   chan<- core.IEvent
	sent     [][]byte
	startErr error
	sendErr  error
	cleaned  int
}

func (f *fakeRecognizer) StartTranscriptionSession(_ context.Context, events chan<- core.IEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
	return f.startErr
}

func (f *fakeRecognizer) SendTranscriptionAudio(audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, audio)
	return nil
}

func (f *fakeRecognizer) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned++
	return nil
}

func (f *fakeRecognizer) emit(evt core.IEvent) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	ch <- evt
}

type sinkRecorder struct {
	ch chan core.IEvent
}

func newSink() *sinkRecorder { return &sinkRecorder{ch: make(chan core.IEvent, 16)} }

func (s *sinkRecorder) sink(evt core.IEvent) { s.ch <- evt }

func (s *sinkRecorder) next(t *testing.T) core.IEvent {
	t.Helper()
	select {
	case evt := <-s.ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBridgeForwardsAudioAndEvents(t *testing.T) {
	rec := &fakeRecognizer{}
	b := NewBridge(rec, DefaultConfig(), core.NewDiscardLogger())
	sink := newSink()
	if err := b.Open(context.Background(), sink.sink); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	if err := b.Send([]byte{0xff, 0x7f}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if frames, n := b.Stats(); frames != 1 || n != 2 {
		t.Fatalf("unexpected stats %d %d", frames, n)
	}

	rec.emit(&stt.SpeechStartedEvent{})
	rec.emit(&stt.InterimTranscriptEvent{Text: "hel"})
	rec.emit(&stt.FinalTranscriptEvent{Text: "hello"})

	if _, ok := sink.next(t).(*stt.SpeechStartedEvent); !ok {
		t.Fatal("expected speech started first")
	}
	final, ok := sink.next(t).(*stt.FinalTranscriptEvent)
	if !ok || final.Text != "hello" {
		t.Fatalf("expected final transcript, interim should be filtered")
	}
}

func TestBridgeClosedByRecognizer(t *testing.T) {
	rec := &fakeRecognizer{}
	b := NewBridge(rec, DefaultConfig(), core.NewDiscardLogger())
	sink := newSink()
	if err := b.Open(context.Background(), sink.sink); err != nil {
		t.Fatalf("open: %v", err)
	}

	rec.emit(&stt.RecognitionClosedEvent{})
	if _, ok := sink.next(t).(*stt.RecognitionClosedEvent); !ok {
		t.Fatal("expected closed event")
	}
	if err := b.Send([]byte{1}); !errors.Is(err, core.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if rec.cleaned != 1 {
		t.Fatalf("expected one cleanup, got %d", rec.cleaned)
	}
}

func TestBridgeOpenFailure(t *testing.T) {
	rec := &fakeRecognizer{startErr: errors.New("401")}
	b := NewBridge(rec, DefaultConfig(), core.NewDiscardLogger())

	err := b.Open(context.Background(), func(core.IEvent) {})
	var pe *core.ProviderError
	if !errors.As(err, &pe) || pe.Op != "open" {
		t.Fatalf("expected provider error, got %v", err)
	}
	if err := b.Send([]byte{1}); !errors.Is(err, core.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed after failed open, got %v", err)
	}
}

func TestBridgeSendError(t *testing.T) {
	rec := &fakeRecognizer{sendErr: errors.New("broken pipe")}
	b := NewBridge(rec, DefaultConfig(), core.NewDiscardLogger())
	if err := b.Open(context.Background(), func(core.IEvent) {}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	var pe *core.ProviderError
	if err := b.Send([]byte{1}); !errors.As(err, &pe) {
		t.Fatalf("expected provider error, got %v", err)
	}
}
