package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"callrelay/core"
	sttevents "callrelay/events/stt"
	"callrelay/events/transport"
	"callrelay/events/turn"
	contexthandler "callrelay/handlers/context"
	"callrelay/handlers/playback"
)

// State is the lifecycle position of a StreamSession.
type State int

const (
	StateIdle State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Recognition is the session's view of the speech recognition stream.
// *stt.Bridge satisfies it.
type Recognition interface {
	Open(ctx context.Context, sink func(core.IEvent)) error
	Send(audio []byte) error
	Close() error
}

type SessionConfig struct {
	Conversation    contexthandler.ConversationConfig
	InboxSize       int
	MaxPendingTurns int
	ProviderTimeout time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Conversation:    contexthandler.DefaultConversationConfig(),
		InboxSize:       256,
		MaxPendingTurns: 8,
		ProviderTimeout: 30 * time.Second,
	}
}

// Dependencies are the collaborators a session drives. Queue and Observer
// are optional.
type Dependencies struct {
	Recognition  Recognition
	Conversation *contexthandler.ConversationState
	Synthesizer  Synthesizer
	Sender       Sender
	Queue        *playback.Queue
	Observer     Observer
}

// StreamSession is the per-call state machine. Every event, whether it came
// from the channel, the recognizer or the turn worker, is handled on the
// single goroutine running Run, so session state needs no locking.
type StreamSession struct {
	config       SessionConfig
	recognition  Recognition
	conversation *contexthandler.ConversationState
	synthesizer  Synthesizer
	sender       Sender
	queue        *playback.Queue
	observer     Observer
	logger       *core.Logger
	now          func() time.Time

	inbox    chan core.IEvent
	done     chan struct{}
	doneOnce sync.Once

	state  State
	sc     *SessionContext
	turns  *turnWorker
	endErr error

	// epoch counts barge-ins. Turn jobs carry the epoch they were queued in
	// and results from an older epoch are dropped.
	epoch       uint64
	runCtx      context.Context
	epochCtx    context.Context
	epochCancel context.CancelFunc
}

func NewStreamSession(deps Dependencies, config SessionConfig, logger *core.Logger) *StreamSession {
	if logger == nil {
		logger = core.GetLogger()
	}
	if config.InboxSize <= 0 {
		config.InboxSize = 256
	}
	if config.MaxPendingTurns <= 0 {
		config.MaxPendingTurns = 8
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = 30 * time.Second
	}
	queue := deps.Queue
	if queue == nil {
		queue = playback.NewQueue()
	}
	var observer Observer = NopObserver{}
	if deps.Observer != nil {
		observer = deps.Observer
	}

	s := &StreamSession{
		config:       config,
		recognition:  deps.Recognition,
		conversation: deps.Conversation,
		synthesizer:  deps.Synthesizer,
		sender:       deps.Sender,
		queue:        queue,
		observer:     observer,
		logger:       logger.With(map[string]interface{}{"component": "stream_session"}),
		now:          time.Now,
		inbox:        make(chan core.IEvent, config.InboxSize),
		done:         make(chan struct{}),
	}
	s.turns = newTurnWorker(
		s.conversation,
		s.synthesizer,
		s.Dispatch,
		config.MaxPendingTurns,
		config.ProviderTimeout,
		s.logger,
	)
	s.runCtx = context.Background()
	s.epochCtx, s.epochCancel = context.WithCancel(s.runCtx)
	return s
}

// Dispatch hands evt to the session loop. It is safe to call from any
// goroutine and returns false once the session has finished.
func (s *StreamSession) Dispatch(evt core.IEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- evt:
		return true
	case <-s.done:
		return false
	}
}

// Done is closed when Run returns.
func (s *StreamSession) Done() <-chan struct{} {
	return s.done
}

// Run processes events until the call ends or ctx is cancelled. It returns
// nil after a stop message, the recognition or channel error that ended the
// call otherwise.
func (s *StreamSession) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.epochCancel()
	s.epochCtx, s.epochCancel = context.WithCancel(runCtx)
	s.turns.start(runCtx)

	defer func() {
		s.doneOnce.Do(func() { close(s.done) })
		cancel()
		s.turns.wait()
		if s.recognition != nil {
			if err := s.recognition.Close(); err != nil {
				s.logger.Warn("failed to close recognition", "error", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if s.state != StateTerminated {
				s.terminate("cancelled", ctx.Err())
			}
			return ctx.Err()
		case evt := <-s.inbox:
			s.handle(runCtx, evt)
			if s.state == StateTerminated {
				return s.endErr
			}
		}
	}
}

// handle isolates one event. A panic becomes a HandlerFailure and the
// session keeps going.
func (s *StreamSession) handle(ctx context.Context, evt core.IEvent) {
	defer func() {
		if r := recover(); r != nil {
			failure := &core.HandlerFailure{EventID: evt.GetId(), Err: core.RecoveredError(r)}
			s.logger.Error("event handler failed", "error", failure)
		}
	}()
	s.HandleEvent(ctx, evt)
}

// HandleEvent applies one event to the state machine.
func (s *StreamSession) HandleEvent(ctx context.Context, evt core.IEvent) {
	switch s.state {
	case StateTerminated:
		return
	case StateIdle:
		s.handleIdle(ctx, evt)
		return
	}

	switch e := evt.(type) {
	case *transport.MediaEvent:
		s.onMedia(e)
	case *transport.MarkEvent:
		s.queue.Remove(e.Name)
	case *transport.StopEvent:
		s.terminate("stop", nil)
	case *transport.DTMFEvent:
		s.logger.Info("dtmf received", "digit", e.Digit)
		s.observer.DTMF(s.sc, e.Digit)
	case *transport.ChannelClosedEvent:
		s.terminate("channel_closed", channelClosed(e.Err))
	case *transport.StartEvent:
		s.logger.Warn("duplicate start ignored", "stream_sid", e.StreamSid)
	case *transport.ConnectedEvent:
	case *sttevents.SpeechStartedEvent:
		s.bargeIn()
	case *sttevents.FinalTranscriptEvent:
		s.onFinalTranscript(e)
	case *sttevents.InterimTranscriptEvent:
		s.logger.Trace("interim transcript", "text", e.Text)
	case *sttevents.UtteranceEndEvent:
		s.logger.Debug("utterance end", "last_word_end", e.LastWordEnd)
	case *sttevents.RecognitionErrorEvent:
		s.logger.Warn("recognition error", "error", e.Err)
	case *sttevents.RecognitionClosedEvent:
		s.terminate("recognition_closed", channelClosed(e.Err))
	case *turn.ResultEvent:
		s.onTurnResult(e)
	case *core.EndCallEvent:
		s.terminate(e.Reason, nil)
	default:
		s.logger.Debug("unhandled event", "event", evt.GetId())
	}
}

func (s *StreamSession) handleIdle(ctx context.Context, evt core.IEvent) {
	switch e := evt.(type) {
	case *transport.StartEvent:
		s.start(ctx, e)
	// The socket going away is not a channel event; there is nothing left
	// to wait for.
	case *transport.ChannelClosedEvent:
		s.terminate("channel_closed", channelClosed(e.Err))
	case *core.EndCallEvent:
		s.terminate(e.Reason, nil)
	default:
		s.logger.Debug("event before start ignored", "event", evt.GetId())
	}
}

func (s *StreamSession) start(ctx context.Context, evt *transport.StartEvent) {
	s.sc = newSessionContext(evt, s.sender, s.now())
	s.state = StateActive
	s.logger = s.logger.With(s.sc.logAttrs())
	s.turns.logger = s.logger
	s.logger.Info("call started",
		"account_sid", evt.AccountSid,
		"tracks", strings.Join(evt.Tracks, ","),
		"encoding", evt.MediaFormat.Encoding,
		"sample_rate", evt.MediaFormat.SampleRate,
	)
	s.observer.CallStarted(s.sc)

	if s.recognition != nil {
		if err := s.recognition.Open(ctx, func(e core.IEvent) { s.Dispatch(e) }); err != nil {
			s.logger.Error("recognition unavailable", "error", err)
			s.terminate("recognition_unavailable", channelClosed(err))
			return
		}
	}

	if s.conversation != nil {
		s.conversation.Seed(s.config.Conversation)
	}
	if greeting := s.config.Conversation.Greeting; greeting != "" {
		s.enqueueTurn(turn.KindGreeting, greeting)
	}
}

func (s *StreamSession) onMedia(evt *transport.MediaEvent) {
	s.sc.InboundFrames++
	s.sc.InboundBytes += int64(len(evt.Payload))
	s.sc.LastSequence = evt.Sequence
	s.sc.LastTimestamp = evt.Timestamp

	if s.recognition != nil && len(evt.Payload) > 0 {
		if err := s.recognition.Send(evt.Payload); err != nil && !errors.Is(err, core.ErrChannelClosed) {
			s.logger.Warn("failed to forward audio", "error", err)
		}
	}

	s.drain()
}

// drain sends at most one chunk. Inbound frames are the only pacing signal.
func (s *StreamSession) drain() {
	chunk, ok := s.queue.Shift()
	if !ok {
		return
	}
	if err := s.sc.Emit(&transport.MediaCommand{Payload: chunk.Payload}); err != nil {
		s.logger.Warn("failed to send audio", "error", err, "chunk_id", chunk.ID)
		s.queue.Remove(chunk.ID)
		return
	}
	if err := s.sc.Emit(&transport.MarkCommand{Name: chunk.ID}); err != nil {
		// No mark will ever be acked, so release the chunk.
		s.logger.Warn("failed to send mark", "error", err, "chunk_id", chunk.ID)
		s.queue.Remove(chunk.ID)
		return
	}
	s.sc.OutboundChunks++
	s.logger.Debug("chunk sent",
		"chunk_id", chunk.ID,
		"bytes", len(chunk.Payload),
		"seconds", chunk.DurationSeconds(s.sc.MediaFormat.SampleRate),
	)
	s.observer.ChunkSent(s.sc, chunk)
}

// bargeIn stops everything the caller would otherwise hear: local pending
// audio, audio buffered on the channel, and replies still being produced.
func (s *StreamSession) bargeIn() {
	s.queue.Clear()
	if err := s.sc.Emit(&transport.ClearCommand{}); err != nil {
		s.logger.Warn("failed to send clear", "error", err)
	}

	s.epochCancel()
	s.epoch++
	s.epochCtx, s.epochCancel = context.WithCancel(s.runCtx)
	s.sc.BargeIns++
	s.logger.Debug("barge-in", "epoch", s.epoch)
	s.observer.BargeIn(s.sc)
}

func (s *StreamSession) onFinalTranscript(evt *sttevents.FinalTranscriptEvent) {
	text := strings.TrimSpace(evt.Text)
	if text == "" {
		return
	}
	s.logger.Info("caller said", "text", text, "confidence", evt.Confidence)
	s.enqueueTurn(turn.KindReply, text)
}

func (s *StreamSession) enqueueTurn(kind turn.Kind, text string) {
	s.sc.Turns++
	seq := s.sc.Turns
	if kind == turn.KindReply {
		s.observer.Transcript(s.sc, seq, text)
	}

	job := turnJob{seq: seq, epoch: s.epoch, ctx: s.epochCtx, kind: kind, text: text}
	if s.turns.enqueue(job) {
		return
	}

	s.logger.Warn("turn backlog full, dropping", "seq", seq, "kind", string(kind))
	if kind == turn.KindReply && s.conversation != nil {
		s.conversation.AddTurn(core.TurnRoleUser, text)
	}
	s.observer.TurnFinished(s.sc, &turn.ResultEvent{
		Seq:      seq,
		Epoch:    s.epoch,
		Kind:     kind,
		UserText: text,
		Skipped:  true,
	}, TurnDropped)
}

func (s *StreamSession) onTurnResult(res *turn.ResultEvent) {
	switch {
	case res.Epoch != s.epoch:
		s.logger.Debug("stale turn discarded", "seq", res.Seq, "epoch", res.Epoch, "current_epoch", s.epoch)
		s.observer.TurnFinished(s.sc, res, TurnDiscarded)
	case res.Err != nil:
		s.logger.Warn("turn failed", "seq", res.Seq, "kind", string(res.Kind), "error", res.Err)
		s.observer.TurnFinished(s.sc, res, TurnFailed)
	case len(res.Audio) == 0:
		s.observer.TurnFinished(s.sc, res, TurnEmpty)
	default:
		id := s.queue.Push(res.Audio)
		s.logger.Info("reply queued",
			"seq", res.Seq,
			"kind", string(res.Kind),
			"chunk_id", id,
			"latency_ms", res.Latency.Milliseconds(),
			"text", res.ReplyText,
		)
		s.observer.TurnFinished(s.sc, res, TurnQueued)
	}
}

func (s *StreamSession) terminate(reason string, err error) {
	if s.state == StateTerminated {
		return
	}
	wasActive := s.state == StateActive
	s.state = StateTerminated
	s.endErr = err
	s.epochCancel()
	s.queue.Clear()
	if s.sc != nil {
		defer s.sc.release()
	}

	if !wasActive {
		s.logger.Info("session ended before start", "reason", reason)
		return
	}
	s.logger.Info("call ended",
		"reason", reason,
		"duration", s.sc.Duration(s.now()).String(),
		"inbound_frames", s.sc.InboundFrames,
		"outbound_chunks", s.sc.OutboundChunks,
		"barge_ins", s.sc.BargeIns,
		"turns", s.sc.Turns,
	)
	s.observer.CallEnded(s.sc, reason)
}

// State reports the lifecycle position. Only meaningful from the loop
// goroutine or after Done is closed.
func (s *StreamSession) State() State {
	return s.state
}

// Context returns the call metadata, nil before start.
func (s *StreamSession) Context() *SessionContext {
	return s.sc
}

func channelClosed(cause error) error {
	if cause == nil {
		return core.ErrChannelClosed
	}
	if errors.Is(cause, core.ErrChannelClosed) {
		return cause
	}
	return errors.Join(core.ErrChannelClosed, cause)
}
