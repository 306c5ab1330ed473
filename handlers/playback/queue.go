package playback

import (
	"callrelay/core"

	"github.com/google/uuid"
)

// Queue is an ordered buffer of outbound audio with a single in-flight slot.
//
// A chunk leaves the queue through Shift and becomes active. No other chunk
// can be shifted until the channel acknowledges the active one (Remove) or
// the queue is cleared. pending never holds the active chunk.
//
// Queue is not safe for concurrent use; it belongs to one session loop.
type Queue struct {
	pending []core.AudioChunk
	active  string
	newID   func() string
}

func NewQueue() *Queue {
	return &Queue{newID: uuid.NewString}
}

// NewQueueWithIDs uses gen to allocate chunk ids instead of random uuids.
func NewQueueWithIDs(gen func() string) *Queue {
	return &Queue{newID: gen}
}

// Push appends payload to the tail and returns its id.
func (q *Queue) Push(payload []byte) string {
	id := q.newID()
	q.pending = append(q.pending, core.AudioChunk{ID: id, Payload: payload})
	return id
}

// Shift pops the head and marks it active. It returns false while another
// chunk is active or when nothing is pending.
func (q *Queue) Shift() (core.AudioChunk, bool) {
	if q.active != "" || len(q.pending) == 0 {
		return core.AudioChunk{}, false
	}
	chunk := q.pending[0]
	q.pending[0] = core.AudioChunk{}
	q.pending = q.pending[1:]
	q.active = chunk.ID
	return chunk, true
}

// Remove acknowledges id. Unknown ids are ignored.
func (q *Queue) Remove(id string) {
	if id == "" {
		return
	}
	if q.active == id {
		q.active = ""
	}
	kept := q.pending[:0]
	for _, c := range q.pending {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = core.AudioChunk{}
	}
	q.pending = kept
}

// Clear drops everything, including the active chunk. No acknowledgment is
// expected for a cleared chunk.
func (q *Queue) Clear() {
	q.pending = nil
	q.active = ""
}

// Len is the number of pending chunks, not counting the active one.
func (q *Queue) Len() int {
	return len(q.pending)
}

// Active returns the id of the in-flight chunk.
func (q *Queue) Active() (string, bool) {
	return q.active, q.active != ""
}
