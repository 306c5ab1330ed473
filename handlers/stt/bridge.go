package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"callrelay/core"
	"callrelay/events/stt"
)

// ISTTService is a live recognition stream. Events are written to the
// channel handed to StartTranscriptionSession; the service never closes it
// and emits exactly one RecognitionClosedEvent when its stream ends.
type ISTTService interface {
	StartTranscriptionSession(ctx context.Context, events chan<- core.IEvent) error
	SendTranscriptionAudio(audio []byte) error
	Cleanup() error
}

// Bridge forwards inbound frames to the recognizer and recognizer events to
// the session.
type Bridge struct {
	service ISTTService
	config  STTConfig
	logger  *core.Logger

	events chan core.IEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup

	opened    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	frames atomic.Int64
	bytes  atomic.Int64
}

func NewBridge(service ISTTService, config STTConfig, logger *core.Logger) *Bridge {
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultConfig().EventBuffer
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Bridge{
		service: service,
		config:  config,
		logger:  logger.With(map[string]interface{}{"component": "recognition_bridge"}),
	}
}

// Open starts the recognition stream. sink is called from the bridge's own
// goroutine for every event the session should see.
func (b *Bridge) Open(ctx context.Context, sink func(core.IEvent)) error {
	if !b.opened.CompareAndSwap(false, true) {
		return errors.New("recognition bridge: already open")
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.events = make(chan core.IEvent, b.config.EventBuffer)

	if err := b.service.StartTranscriptionSession(ctx, b.events); err != nil {
		b.cancel()
		b.closed.Store(true)
		return core.NewProviderError("recognition", "open", err)
	}

	b.wg.Add(1)
	go b.forward(ctx, sink)
	return nil
}

func (b *Bridge) forward(ctx context.Context, sink func(core.IEvent)) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.events:
			switch e := evt.(type) {
			case *stt.InterimTranscriptEvent:
				if !b.config.ForwardInterim {
					b.logger.Trace("interim transcript", "text", e.Text)
					continue
				}
			case *stt.RecognitionClosedEvent:
				b.closed.Store(true)
				sink(evt)
				return
			}
			sink(evt)
		}
	}
}

// Send passes one raw audio frame to the recognizer.
func (b *Bridge) Send(audio []byte) error {
	if b.closed.Load() || !b.opened.Load() {
		return core.ErrChannelClosed
	}
	if err := b.service.SendTranscriptionAudio(audio); err != nil {
		if errors.Is(err, core.ErrChannelClosed) {
			return err
		}
		return core.NewProviderError("recognition", "send", err)
	}
	b.frames.Add(1)
	b.bytes.Add(int64(len(audio)))
	return nil
}

// Close ends the recognition stream and waits for the forwarder to exit.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.opened.Load() {
			err = b.service.Cleanup()
			if b.cancel != nil {
				b.cancel()
			}
			b.wg.Wait()
		}
	})
	if err != nil {
		return fmt.Errorf("recognition bridge: close: %w", err)
	}
	return nil
}

// Stats reports frames and bytes successfully forwarded.
func (b *Bridge) Stats() (frames, bytes int64) {
	return b.frames.Load(), b.bytes.Load()
}
