package recorder

import (
	"sync"

	"github.com/e7canasta/canrec/internal/types"
)

// mailbox is an unbounded FIFO of events with a single consumer.
// put never blocks, so producers on the bus dispatch path and the capture
// loop are never held up by slow event handling.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []types.Event
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// put enqueues ev and reports false if the mailbox is closed
func (m *mailbox) put(ev types.Event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, ev)
	m.cond.Signal()
	m.mu.Unlock()
	return true
}

// take blocks for the next event. It returns false once the mailbox is
// closed and empty.
func (m *mailbox) take() (types.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.queue) == 0 {
		return types.Event{}, false
	}
	ev := m.queue[0]
	m.queue[0] = types.Event{}
	m.queue = m.queue[1:]
	return ev, true
}

// close stops intake; queued events are still delivered by take
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
