package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"callrelay/core"
	"callrelay/events/turn"
	contexthandler "callrelay/handlers/context"
	ttshandler "callrelay/handlers/tts"
)

// Synthesizer turns one reply into channel-ready audio (mulaw/8000).
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type turnJob struct {
	seq   uint64
	epoch uint64
	ctx   context.Context // cancelled when the epoch ends
	kind  turn.Kind
	text  string
}

// turnWorker runs generation and synthesis one job at a time, so replies
// reach playback in transcript order no matter how long each call takes.
type turnWorker struct {
	jobs         chan turnJob
	conversation *contexthandler.ConversationState
	synthesizer  Synthesizer
	deliver      func(core.IEvent) bool
	timeout      time.Duration
	logger       *core.Logger
	wg           sync.WaitGroup
}

func newTurnWorker(
	conversation *contexthandler.ConversationState,
	synthesizer Synthesizer,
	deliver func(core.IEvent) bool,
	backlog int,
	timeout time.Duration,
	logger *core.Logger,
) *turnWorker {
	return &turnWorker{
		jobs:         make(chan turnJob, backlog),
		conversation: conversation,
		synthesizer:  synthesizer,
		deliver:      deliver,
		timeout:      timeout,
		logger:       logger,
	}
}

func (w *turnWorker) start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-w.jobs:
				res := w.safeProcess(job)
				if !w.deliver(res) {
					return
				}
			}
		}
	}()
}

// enqueue never blocks the session loop. It reports false when the backlog
// is full.
func (w *turnWorker) enqueue(job turnJob) bool {
	select {
	case w.jobs <- job:
		return true
	default:
		return false
	}
}

func (w *turnWorker) wait() {
	w.wg.Wait()
}

// safeProcess turns a panic in a provider into a failed turn.
func (w *turnWorker) safeProcess(job turnJob) (res *turn.ResultEvent) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			failure := &core.HandlerFailure{EventID: "turn.result", Err: core.RecoveredError(r)}
			w.logger.Error("turn worker failed", "seq", job.seq, "error", failure)
			res = &turn.ResultEvent{
				Seq:     job.seq,
				Epoch:   job.epoch,
				Kind:    job.kind,
				Err:     failure,
				Latency: time.Since(started),
			}
			if job.kind == turn.KindReply {
				res.UserText = job.text
			}
		}
	}()
	return w.process(job)
}

func (w *turnWorker) process(job turnJob) *turn.ResultEvent {
	started := time.Now()
	res := &turn.ResultEvent{
		Seq:   job.seq,
		Epoch: job.epoch,
		Kind:  job.kind,
	}
	if job.kind == turn.KindReply {
		res.UserText = job.text
	}
	defer func() { res.Latency = time.Since(started) }()

	if err := job.ctx.Err(); err != nil {
		if job.kind == turn.KindReply {
			w.conversation.AddTurn(core.TurnRoleUser, job.text)
		}
		res.Skipped = true
		res.Err = err
		return res
	}

	reply := job.text
	if job.kind == turn.KindReply {
		callCtx, cancel := context.WithTimeout(job.ctx, w.timeout)
		text, err := w.conversation.RequestReply(callCtx, job.text)
		cancel()
		if err != nil {
			res.Err = providerError("llm", "complete", err)
			return res
		}
		reply = text
	}
	res.ReplyText = reply

	speech := ttshandler.NormalizeText(reply)
	if speech == "" {
		w.logger.Debug("reply has nothing to speak", "seq", job.seq)
		return res
	}

	callCtx, cancel := context.WithTimeout(job.ctx, w.timeout)
	audio, err := w.synthesizer.Synthesize(callCtx, speech)
	cancel()
	if err != nil {
		res.Err = providerError("tts", "synthesize", err)
		return res
	}
	res.Audio = audio
	return res
}

// providerError tags err with the stage unless a provider already did.
func providerError(provider, op string, err error) error {
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return core.NewProviderError(provider, op, err)
}
