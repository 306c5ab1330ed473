package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"callrelay/core"
	sttevents "callrelay/events/stt"
	"callrelay/events/transport"
	"callrelay/events/turn"
	contexthandler "callrelay/handlers/context"
	"callrelay/handlers/playback"
)

type sentCommand struct {
	streamSid string
	cmd       core.IEvent
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []sentCommand
	failMarks bool
}

func (f *fakeSender) Send(streamSid string, cmd core.IEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := cmd.(*transport.MarkCommand); ok && f.failMarks {
		return errors.New("write failed")
	}
	f.sent = append(f.sent, sentCommand{streamSid: streamSid, cmd: cmd})
	return nil
}

func (f *fakeSender) commands() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCommand, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) mediaPayloads() []string {
	var out []string
	for _, c := range f.commands() {
		if m, ok := c.cmd.(*transport.MediaCommand); ok {
			out = append(out, string(m.Payload))
		}
	}
	return out
}

type fakeRecognition struct {
	mu      sync.Mutex
	openErr error
	sink    func(core.IEvent)
	audio   [][]byte
	closed  bool
}

func (f *fakeRecognition) Open(_ context.Context, sink func(core.IEvent)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.sink = sink
	return nil
}

func (f *fakeRecognition) Send(audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, audio)
	return nil
}

func (f *fakeRecognition) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRecognition) frames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeRecognition) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// echoGenerator replies "re: <last user turn>". Texts listed in block wait
// for ctx to end.
type echoGenerator struct {
	mu     sync.Mutex
	block  map[string]bool
	called chan string
}

func (g *echoGenerator) Complete(ctx context.Context, turns []core.ConversationTurn) (string, error) {
	last := turns[len(turns)-1].Content
	if g.called != nil {
		g.called <- last
	}
	g.mu.Lock()
	blocked := g.block[last]
	g.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "re: " + last, nil
}

// gatedSynthesizer returns the text as audio. Texts with a gate wait for it
// to close.
type gatedSynthesizer struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	panicOn string
}

func (s *gatedSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	gate := s.gates[text]
	explode := text == s.panicOn
	s.mu.Unlock()
	if explode {
		panic("synthesizer exploded")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []byte(text), nil
}

type recordingObserver struct {
	NopObserver
	mu       sync.Mutex
	outcomes []TurnOutcome
	replies  []string
	dtmf     []string
	ended    string
	panicOn  string
}

func (o *recordingObserver) TurnFinished(_ *SessionContext, res *turn.ResultEvent, outcome TurnOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
	if outcome == TurnQueued {
		o.replies = append(o.replies, res.ReplyText)
	}
}

func (o *recordingObserver) DTMF(_ *SessionContext, digit string) {
	if digit == o.panicOn {
		panic("observer exploded")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dtmf = append(o.dtmf, digit)
}

func (o *recordingObserver) CallEnded(_ *SessionContext, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = reason
}

func (o *recordingObserver) count(outcome TurnOutcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, got := range o.outcomes {
		if got == outcome {
			n++
		}
	}
	return n
}

type harness struct {
	session     *StreamSession
	sender      *fakeSender
	recognition *fakeRecognition
	generator   *echoGenerator
	synth       *gatedSynthesizer
	observer    *recordingObserver
	convo       *contexthandler.ConversationState
}

func newHarness(t *testing.T, greeting string, backlog int) *harness {
	t.Helper()
	h := &harness{
		sender:      &fakeSender{},
		recognition: &fakeRecognition{},
		generator:   &echoGenerator{block: map[string]bool{}},
		synth:       &gatedSynthesizer{gates: map[string]chan struct{}{}},
		observer:    &recordingObserver{},
	}
	logger := core.NewDiscardLogger()
	h.convo = contexthandler.NewConversationState(h.generator, logger)

	n := 0
	queue := playback.NewQueueWithIDs(func() string {
		n++
		return fmt.Sprintf("chunk-%d", n)
	})

	cfg := DefaultSessionConfig()
	cfg.Conversation = contexthandler.ConversationConfig{SystemPrompt: "be brief", Greeting: greeting}
	cfg.MaxPendingTurns = backlog
	cfg.ProviderTimeout = 2 * time.Second

	h.session = NewStreamSession(Dependencies{
		Recognition:  h.recognition,
		Conversation: h.convo,
		Synthesizer:  h.synth,
		Sender:       h.sender,
		Queue:        queue,
		Observer:     h.observer,
	}, cfg, logger)
	return h
}

func (h *harness) run(t *testing.T) (cancel func(), result <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.session.Run(ctx) }()
	t.Cleanup(func() {
		cancelFn()
		<-h.session.Done()
	})
	return cancelFn, errCh
}

func startEvent() *transport.StartEvent {
	return &transport.StartEvent{
		Sequence:    1,
		StreamSid:   "MZ1",
		CallSid:     "CA1",
		Tracks:      []string{"inbound"},
		MediaFormat: core.DefaultMediaFormat(),
	}
}

func media() *transport.MediaEvent {
	return &transport.MediaEvent{StreamSid: "MZ1", Track: "inbound", Payload: []byte{0xff}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestSessionIgnoresEventsBeforeStart(t *testing.T) {
	h := newHarness(t, "", 8)
	ctx := context.Background()

	h.session.HandleEvent(ctx, media())
	h.session.HandleEvent(ctx, &transport.MarkEvent{Name: "x"})
	h.session.HandleEvent(ctx, &transport.StopEvent{})
	h.session.HandleEvent(ctx, &sttevents.SpeechStartedEvent{})

	if h.session.State() != StateIdle {
		t.Fatalf("expected idle, got %s", h.session.State())
	}
	if h.recognition.frames() != 0 || len(h.sender.commands()) != 0 {
		t.Fatal("no audio should move before start")
	}

	h.session.HandleEvent(ctx, startEvent())
	if h.session.State() != StateActive {
		t.Fatalf("expected active, got %s", h.session.State())
	}
	if h.session.Context().StreamSid != "MZ1" {
		t.Fatalf("unexpected context %+v", h.session.Context())
	}
}

func TestSessionMarkAckGatesPlayback(t *testing.T) {
	h := newHarness(t, "", 8)
	ctx := context.Background()
	h.session.HandleEvent(ctx, startEvent())

	h.session.HandleEvent(ctx, &turn.ResultEvent{Seq: 1, Kind: turn.KindReply, Audio: []byte("A")})
	h.session.HandleEvent(ctx, &turn.ResultEvent{Seq: 2, Kind: turn.KindReply, Audio: []byte("B")})

	h.session.HandleEvent(ctx, media())
	cmds := h.sender.commands()
	if len(cmds) != 2 {
		t.Fatalf("expected media+mark, got %d commands", len(cmds))
	}
	if cmds[0].streamSid != "MZ1" || string(cmds[0].cmd.(*transport.MediaCommand).Payload) != "A" {
		t.Fatalf("unexpected first command %+v", cmds[0])
	}
	mark := cmds[1].cmd.(*transport.MarkCommand)
	if mark.Name != "chunk-1" {
		t.Fatalf("expected mark chunk-1, got %q", mark.Name)
	}

	h.session.HandleEvent(ctx, media())
	if got := len(h.sender.commands()); got != 2 {
		t.Fatalf("second chunk sent before ack: %d commands", got)
	}

	h.session.HandleEvent(ctx, &transport.MarkEvent{Name: "chunk-1"})
	h.session.HandleEvent(ctx, media())
	if got := h.sender.mediaPayloads(); len(got) != 2 || got[1] != "B" {
		t.Fatalf("expected B after ack, got %v", got)
	}
	if h.recognition.frames() != 3 {
		t.Fatalf("expected every frame forwarded, got %d", h.recognition.frames())
	}
}

func TestSessionBargeInClearsPlayback(t *testing.T) {
	h := newHarness(t, "", 8)
	ctx := context.Background()
	h.session.HandleEvent(ctx, startEvent())

	h.session.HandleEvent(ctx, &turn.ResultEvent{Seq: 1, Kind: turn.KindReply, Audio: []byte("A")})
	h.session.HandleEvent(ctx, &turn.ResultEvent{Seq: 2, Kind: turn.KindReply, Audio: []byte("B")})
	h.session.HandleEvent(ctx, media())

	h.session.HandleEvent(ctx, &sttevents.SpeechStartedEvent{})
	cmds := h.sender.commands()
	if _, ok := cmds[len(cmds)-1].cmd.(*transport.ClearCommand); !ok {
		t.Fatalf("expected clear command, got %T", cmds[len(cmds)-1].cmd)
	}

	// No more audio until something new is pushed.
	h.session.HandleEvent(ctx, media())
	h.session.HandleEvent(ctx, &transport.MarkEvent{Name: "chunk-1"})
	h.session.HandleEvent(ctx, media())
	if got := h.sender.mediaPayloads(); len(got) != 1 {
		t.Fatalf("audio sent after barge-in: %v", got)
	}

	// A result requested before the barge-in is stale.
	h.session.HandleEvent(ctx, &turn.ResultEvent{Seq: 3, Epoch: 0, Kind: turn.KindReply, Audio: []byte("stale")})
	h.session.HandleEvent(ctx, media())
	if got := h.sender.mediaPayloads(); len(got) != 1 {
		t.Fatalf("stale audio played: %v", got)
	}
	if h.observer.count(TurnDiscarded) != 1 {
		t.Fatalf("expected one discarded turn, got %v", h.observer.outcomes)
	}

	h.session.HandleEvent(ctx, &turn.ResultEvent{Seq: 4, Epoch: 1, Kind: turn.KindReply, Audio: []byte("C")})
	h.session.HandleEvent(ctx, media())
	if got := h.sender.mediaPayloads(); len(got) != 2 || got[1] != "C" {
		t.Fatalf("expected C after barge-in, got %v", got)
	}
	if h.session.Context().BargeIns != 1 {
		t.Fatalf("expected one barge-in, got %d", h.session.Context().BargeIns)
	}
}

func TestSessionGreetingPlayedAfterStart(t *testing.T) {
	h := newHarness(t, "Hello, **how** can I help?", 8)
	_, done := h.run(t)

	h.session.Dispatch(startEvent())
	waitFor(t, "greeting queued", func() bool { return h.observer.count(TurnQueued) == 1 })

	h.session.Dispatch(media())
	waitFor(t, "greeting sent", func() bool { return len(h.sender.mediaPayloads()) == 1 })
	if got := h.sender.mediaPayloads()[0]; got != "Hello, how can I help?" {
		t.Fatalf("unexpected greeting audio %q", got)
	}

	turns := h.convo.Turns()
	if len(turns) != 2 || turns[0].Role != core.TurnRoleSystem || turns[1].Role != core.TurnRoleAssistant {
		t.Fatalf("unexpected seeded conversation %+v", turns)
	}

	h.session.Dispatch(&transport.StopEvent{})
	if err := waitResult(t, done); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestSessionRepliesPlayInTranscriptOrder(t *testing.T) {
	h := newHarness(t, "", 8)
	gate := make(chan struct{})
	h.synth.gates["re: first"] = gate
	_, done := h.run(t)

	h.session.Dispatch(startEvent())
	h.session.Dispatch(&sttevents.FinalTranscriptEvent{Text: "first"})
	h.session.Dispatch(&sttevents.FinalTranscriptEvent{Text: "second"})

	// The second reply would be ready first if the two raced.
	time.Sleep(50 * time.Millisecond)
	if h.observer.count(TurnQueued) != 0 {
		t.Fatal("second reply overtook the first")
	}
	close(gate)
	waitFor(t, "both replies queued", func() bool { return h.observer.count(TurnQueued) == 2 })

	h.session.Dispatch(media())
	waitFor(t, "first chunk", func() bool { return len(h.sender.mediaPayloads()) == 1 })
	h.session.Dispatch(&transport.MarkEvent{Name: "chunk-1"})
	h.session.Dispatch(media())
	waitFor(t, "second chunk", func() bool { return len(h.sender.mediaPayloads()) == 2 })

	got := h.sender.mediaPayloads()
	if got[0] != "re: first" || got[1] != "re: second" {
		t.Fatalf("unexpected playback order %v", got)
	}

	var roles []string
	for _, ct := range h.convo.Turns() {
		roles = append(roles, string(ct.Role)+":"+ct.Content)
	}
	want := "system:be brief|user:first|assistant:re: first|user:second|assistant:re: second"
	if strings.Join(roles, "|") != want {
		t.Fatalf("unexpected conversation %v", roles)
	}

	h.session.Dispatch(&transport.StopEvent{})
	waitResult(t, done)
}

func TestSessionBargeInCancelsInFlightTurn(t *testing.T) {
	h := newHarness(t, "", 8)
	h.generator.block["long question"] = true
	h.generator.called = make(chan string, 4)
	_, done := h.run(t)

	h.session.Dispatch(startEvent())
	h.session.Dispatch(&sttevents.FinalTranscriptEvent{Text: "long question"})
	select {
	case <-h.generator.called:
	case <-time.After(2 * time.Second):
		t.Fatal("generator never called")
	}

	h.session.Dispatch(&sttevents.SpeechStartedEvent{})
	waitFor(t, "cancelled turn discarded", func() bool { return h.observer.count(TurnDiscarded) == 1 })

	h.session.Dispatch(&sttevents.FinalTranscriptEvent{Text: "never mind"})
	waitFor(t, "next reply queued", func() bool { return h.observer.count(TurnQueued) == 1 })

	h.session.Dispatch(media())
	waitFor(t, "reply sent", func() bool { return len(h.sender.mediaPayloads()) == 1 })
	if got := h.sender.mediaPayloads()[0]; got != "re: never mind" {
		t.Fatalf("unexpected audio %q", got)
	}

	turns := h.convo.Turns()
	if turns[1].Content != "long question" || turns[2].Content != "never mind" {
		t.Fatalf("interrupted user turn should stay without a reply: %+v", turns)
	}

	h.session.Dispatch(&transport.StopEvent{})
	waitResult(t, done)
}

func TestSessionDropsTurnsWhenBacklogFull(t *testing.T) {
	h := newHarness(t, "", 1)
	ctx := context.Background()
	h.session.HandleEvent(ctx, startEvent())

	h.session.HandleEvent(ctx, &sttevents.FinalTranscriptEvent{Text: "one"})
	h.session.HandleEvent(ctx, &sttevents.FinalTranscriptEvent{Text: "two"})

	if h.observer.count(TurnDropped) != 1 {
		t.Fatalf("expected one dropped turn, got %v", h.observer.outcomes)
	}
	turns := h.convo.Turns()
	if last := turns[len(turns)-1]; last.Role != core.TurnRoleUser || last.Content != "two" {
		t.Fatalf("dropped transcript should still be recorded, got %+v", last)
	}
}

func TestSessionIgnoresEmptyTranscripts(t *testing.T) {
	h := newHarness(t, "", 8)
	ctx := context.Background()
	h.session.HandleEvent(ctx, startEvent())
	h.session.HandleEvent(ctx, &sttevents.FinalTranscriptEvent{Text: "   "})
	h.session.HandleEvent(ctx, &sttevents.InterimTranscriptEvent{Text: "hel"})
	if h.session.Context().Turns != 0 {
		t.Fatalf("expected no turns, got %d", h.session.Context().Turns)
	}
}

func TestSessionSurvivesHandlerPanic(t *testing.T) {
	h := newHarness(t, "", 8)
	h.observer.panicOn = "9"
	_, done := h.run(t)

	h.session.Dispatch(startEvent())
	h.session.Dispatch(&transport.DTMFEvent{Digit: "9"})
	h.session.Dispatch(&transport.DTMFEvent{Digit: "1"})
	h.session.Dispatch(media())
	waitFor(t, "frame forwarded after panic", func() bool { return h.recognition.frames() == 1 })

	h.session.Dispatch(&transport.StopEvent{})
	if err := waitResult(t, done); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if len(h.observer.dtmf) != 1 || h.observer.dtmf[0] != "1" {
		t.Fatalf("unexpected dtmf %v", h.observer.dtmf)
	}
}

func TestSessionSurvivesProviderPanic(t *testing.T) {
	h := newHarness(t, "", 8)
	h.synth.panicOn = "re: boom"
	_, done := h.run(t)

	h.session.Dispatch(startEvent())
	h.session.Dispatch(&sttevents.FinalTranscriptEvent{Text: "boom"})
	h.session.Dispatch(&sttevents.FinalTranscriptEvent{Text: "hi"})
	waitFor(t, "reply after panic", func() bool { return h.observer.count(TurnQueued) == 1 })
	if got := h.observer.count(TurnFailed); got != 1 {
		t.Fatalf("expected one failed turn, got %d", got)
	}
	if h.observer.replies[0] != "re: hi" {
		t.Fatalf("unexpected replies %v", h.observer.replies)
	}

	h.session.Dispatch(&transport.StopEvent{})
	if err := waitResult(t, done); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestSessionFailedMarkReleasesChunk(t *testing.T) {
	h := newHarness(t, "", 8)
	ctx := context.Background()
	h.session.HandleEvent(ctx, startEvent())
	h.session.HandleEvent(ctx, &turn.ResultEvent{Seq: 1, Kind: turn.KindReply, Audio: []byte("A")})
	h.session.HandleEvent(ctx, &turn.ResultEvent{Seq: 2, Kind: turn.KindReply, Audio: []byte("B")})

	h.sender.mu.Lock()
	h.sender.failMarks = true
	h.sender.mu.Unlock()
	h.session.HandleEvent(ctx, media())

	h.sender.mu.Lock()
	h.sender.failMarks = false
	h.sender.mu.Unlock()
	h.session.HandleEvent(ctx, media())

	if got := h.sender.mediaPayloads(); len(got) != 2 || got[1] != "B" {
		t.Fatalf("expected B to play after failed mark, got %v", got)
	}
	if id, ok := h.session.queue.Active(); !ok || id != "chunk-2" {
		t.Fatalf("expected chunk-2 active, got %q", id)
	}
}

func TestProviderErrorNotDoubleWrapped(t *testing.T) {
	inner := core.NewProviderError("elevenlabs", "synthesize", errors.New("quota"))
	if got := providerError("tts", "synthesize", inner).Error(); got != "elevenlabs synthesize: quota" {
		t.Fatalf("unexpected error %q", got)
	}
	if got := providerError("tts", "synthesize", errors.New("quota")).Error(); got != "tts synthesize: quota" {
		t.Fatalf("unexpected error %q", got)
	}
}

func TestSessionStopReleasesResources(t *testing.T) {
	h := newHarness(t, "", 8)
	_, done := h.run(t)

	h.session.Dispatch(startEvent())
	h.session.Dispatch(&transport.StopEvent{})
	if err := waitResult(t, done); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if !h.recognition.isClosed() {
		t.Fatal("recognition not closed")
	}
	if h.session.Dispatch(media()) {
		t.Fatal("dispatch should fail after the session ended")
	}
	if h.observer.ended != "stop" {
		t.Fatalf("unexpected end reason %q", h.observer.ended)
	}
	sc := h.session.Context()
	if sc == nil || sc.StreamSid != "MZ1" {
		t.Fatalf("context should stay readable, got %+v", sc)
	}
	if err := sc.Emit(&transport.ClearCommand{}); !errors.Is(err, core.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed after stop, got %v", err)
	}
}

func TestSessionRecognitionClosedEndsCall(t *testing.T) {
	h := newHarness(t, "", 8)
	_, done := h.run(t)

	h.session.Dispatch(startEvent())
	waitFor(t, "recognition opened", func() bool {
		h.recognition.mu.Lock()
		defer h.recognition.mu.Unlock()
		return h.recognition.sink != nil
	})
	h.recognition.sink(&sttevents.RecognitionClosedEvent{Err: errors.New("socket reset")})

	err := waitResult(t, done)
	if !errors.Is(err, core.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestSessionRecognitionUnavailable(t *testing.T) {
	h := newHarness(t, "Hello", 8)
	h.recognition.openErr = errors.New("401")
	_, done := h.run(t)

	h.session.Dispatch(startEvent())
	err := waitResult(t, done)
	if !errors.Is(err, core.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if len(h.sender.commands()) != 0 {
		t.Fatal("nothing should be sent without recognition")
	}
}

func TestSessionContextCancel(t *testing.T) {
	h := newHarness(t, "", 8)
	cancel, done := h.run(t)
	h.session.Dispatch(startEvent())
	cancel()
	if err := waitResult(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
