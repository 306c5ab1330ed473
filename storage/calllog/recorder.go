package calllog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"callrelay/core"
	"callrelay/events/turn"
	"callrelay/runner"
)

type write func(ctx context.Context, s *Store) error

// Recorder persists session notifications. Writes happen on one background
// goroutine so the session loop never waits on disk. When the queue is
// full the write is dropped and logged.
type Recorder struct {
	runner.NopObserver

	store   *Store
	logger  *core.Logger
	writes  chan write
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

func NewRecorder(store *Store, queueSize int, logger *core.Logger) *Recorder {
	if logger == nil {
		logger = core.GetLogger()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		store:  store,
		logger: logger.With(map[string]interface{}{"component": "calllog_recorder"}),
		writes: make(chan write, queueSize),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for w := range r.writes {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w(ctx, r.store); err != nil {
			r.logger.Warn("call log write failed", "error", err)
		}
		cancel()
	}
}

func (r *Recorder) submit(w write) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.writes <- w:
	default:
		r.logger.Warn("call log queue full, dropping write")
	}
}

// Close flushes queued writes. Notifications after Close are ignored.
func (r *Recorder) Close() {
	r.closeMu.Lock()
	if !r.closed {
		r.closed = true
		close(r.writes)
	}
	r.closeMu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) CallStarted(sc *runner.SessionContext) {
	call := Call{
		StreamSid:  sc.StreamSid,
		CallSid:    sc.CallSid,
		AccountSid: sc.AccountSid,
		StartedAt:  sc.StartedAt,
	}
	r.submit(func(ctx context.Context, s *Store) error {
		return s.StartCall(ctx, call)
	})
}

func (r *Recorder) CallEnded(sc *runner.SessionContext, reason string) {
	call := Call{
		StreamSid:      sc.StreamSid,
		EndedAt:        time.Now(),
		EndReason:      reason,
		InboundFrames:  sc.InboundFrames,
		OutboundChunks: sc.OutboundChunks,
		BargeIns:       sc.BargeIns,
		Turns:          int64(sc.Turns),
	}
	r.submit(func(ctx context.Context, s *Store) error {
		return s.EndCall(ctx, call)
	})
}

func (r *Recorder) BargeIn(sc *runner.SessionContext) {
	r.event(sc.StreamSid, "barge_in", "")
}

func (r *Recorder) Transcript(sc *runner.SessionContext, seq uint64, text string) {
	r.event(sc.StreamSid, "transcript", fmt.Sprintf("#%d %s", seq, text))
}

func (r *Recorder) TurnFinished(sc *runner.SessionContext, res *turn.ResultEvent, outcome runner.TurnOutcome) {
	detail := fmt.Sprintf("#%d %s %s %dms", res.Seq, res.Kind, outcome, res.Latency.Milliseconds())
	if res.ReplyText != "" {
		detail += ": " + res.ReplyText
	}
	if res.Err != nil {
		detail += " (" + res.Err.Error() + ")"
	}
	r.event(sc.StreamSid, "turn", detail)
}

func (r *Recorder) DTMF(sc *runner.SessionContext, digit string) {
	r.event(sc.StreamSid, "dtmf", digit)
}

func (r *Recorder) event(streamSid, kind, detail string) {
	evt := Event{StreamSid: streamSid, Type: kind, Detail: detail, CreatedAt: time.Now()}
	r.submit(func(ctx context.Context, s *Store) error {
		return s.AppendEvent(ctx, evt)
	})
}
