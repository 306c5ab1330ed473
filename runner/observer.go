package runner

import (
	"callrelay/core"
	"callrelay/events/turn"
)

// TurnOutcome says what the session did with a finished turn.
type TurnOutcome string

const (
	TurnQueued    TurnOutcome = "queued"    // audio pushed to playback
	TurnEmpty     TurnOutcome = "empty"     // nothing to speak
	TurnDiscarded TurnOutcome = "discarded" // superseded by a barge-in
	TurnFailed    TurnOutcome = "failed"    // provider error
	TurnDropped   TurnOutcome = "dropped"   // turn backlog was full
)

// Observer receives session lifecycle notifications. All methods are called
// on the session loop goroutine and must not block for long.
type Observer interface {
	CallStarted(sc *SessionContext)
	CallEnded(sc *SessionContext, reason string)
	ChunkSent(sc *SessionContext, chunk core.AudioChunk)
	BargeIn(sc *SessionContext)
	Transcript(sc *SessionContext, seq uint64, text string)
	TurnFinished(sc *SessionContext, res *turn.ResultEvent, outcome TurnOutcome)
	DTMF(sc *SessionContext, digit string)
}

// NopObserver ignores everything. Embed it to implement only some hooks.
type NopObserver struct{}

func (NopObserver) CallStarted(*SessionContext)                                  {}
func (NopObserver) CallEnded(*SessionContext, string)                            {}
func (NopObserver) ChunkSent(*SessionContext, core.AudioChunk)                   {}
func (NopObserver) BargeIn(*SessionContext)                                      {}
func (NopObserver) Transcript(*SessionContext, uint64, string)                   {}
func (NopObserver) TurnFinished(*SessionContext, *turn.ResultEvent, TurnOutcome) {}
func (NopObserver) DTMF(*SessionContext, string)                                 {}

// Observers fans every notification out in order.
type Observers []Observer

func (o Observers) CallStarted(sc *SessionContext) {
	for _, obs := range o {
		obs.CallStarted(sc)
	}
}

func (o Observers) CallEnded(sc *SessionContext, reason string) {
	for _, obs := range o {
		obs.CallEnded(sc, reason)
	}
}

func (o Observers) ChunkSent(sc *SessionContext, chunk core.AudioChunk) {
	for _, obs := range o {
		obs.ChunkSent(sc, chunk)
	}
}

func (o Observers) BargeIn(sc *SessionContext) {
	for _, obs := range o {
		obs.BargeIn(sc)
	}
}

func (o Observers) Transcript(sc *SessionContext, seq uint64, text string) {
	for _, obs := range o {
		obs.Transcript(sc, seq, text)
	}
}

func (o Observers) TurnFinished(sc *SessionContext, res *turn.ResultEvent, outcome TurnOutcome) {
	for _, obs := range o {
		obs.TurnFinished(sc, res, outcome)
	}
}

func (o Observers) DTMF(sc *SessionContext, digit string) {
	for _, obs := range o {
		obs.DTMF(sc, digit)
	}
}
