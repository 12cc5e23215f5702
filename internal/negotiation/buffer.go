package negotiation

import (
	"sync"

	"github.com/1ureka/medicall/internal/protocol"
)

// CandidateBuffer is a FIFO of ICE candidates waiting for the paired
// description. Drain hands over the whole backlog at once: a candidate
// pushed while a drain is in progress lands in the next drain, never in the
// middle of the current one.
type CandidateBuffer struct {
	mu    sync.Mutex
	items []protocol.ICECandidate
}

// Push appends a candidate.
func (b *CandidateBuffer) Push(c protocol.ICECandidate) {
	b.mu.Lock()
	b.items = append(b.items, c)
	b.mu.Unlock()
}

// Drain returns every queued candidate, oldest first, and empties the
// buffer.
func (b *CandidateBuffer) Drain() []protocol.ICECandidate {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.items
	b.items = nil
	return items
}

// Len returns the number of queued candidates.
func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// appendFrom moves src's backlog to the end of b.
func (b *CandidateBuffer) appendFrom(src *CandidateBuffer) {
	items := src.Drain()
	b.mu.Lock()
	b.items = append(b.items, items...)
	b.mu.Unlock()
}
