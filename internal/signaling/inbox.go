package signaling

import (
	"sync"

	"github.com/1ureka/medicall/internal/protocol"
)

// Inbox delivers messages to one subscriber, in arrival order, on its own
// goroutine. Put never blocks, so a slow subscriber cannot stall the reader
// that feeds it.
type Inbox struct {
	deliver func(protocol.Message)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []protocol.Message
	held   bool
	closed bool
}

// NewInbox starts an inbox delivering to fn.
func NewInbox(fn func(protocol.Message)) *Inbox {
	b := &Inbox{deliver: fn}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Put queues msg. Messages put after Close are discarded.
func (b *Inbox) Put(msg protocol.Message) {
	b.mu.Lock()
	if !b.closed {
		b.queue = append(b.queue, msg)
		b.cond.Signal()
	}
	b.mu.Unlock()
}

// Hold pauses delivery; messages keep queueing until Release.
func (b *Inbox) Hold() {
	b.mu.Lock()
	b.held = true
	b.mu.Unlock()
}

// Release resumes delivery.
func (b *Inbox) Release() {
	b.mu.Lock()
	b.held = false
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Close stops delivery and drops anything still queued. A delivery in
// progress finishes.
func (b *Inbox) Close() {
	b.mu.Lock()
	b.closed = true
	b.queue = nil
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *Inbox) run() {
	for {
		b.mu.Lock()
		for !b.closed && (b.held || len(b.queue) == 0) {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		msg := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.deliver(msg)
	}
}
