package turn

import "time"

type Kind string

const (
	KindGreeting Kind = "greeting"
	KindReply    Kind = "reply"
)

// ResultEvent carries a finished generation+synthesis job back to the
// session loop. Epoch is the interrupt epoch captured when the job was
// queued; the loop drops results whose epoch is no longer current.
type ResultEvent struct {
	Seq       uint64
	Epoch     uint64
	Kind      Kind
	UserText  string
	ReplyText string
	Audio     []byte
	Err       error
	Skipped   bool // cancelled before any provider call was made
	Latency   time.Duration
}

func (e *ResultEvent) GetId() string {
	return "turn.result"
}
