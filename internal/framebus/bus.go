// Package framebus distributes captured frames to presentation subscribers
// without ever blocking the capture loop.
//
// Two delivery policies are supported:
//
//   - DropNew: the frame is sent on the subscriber's channel if there is room,
//     otherwise it is dropped and counted.
//   - Latest: the subscriber holds only the most recent frame; older frames are
//     overwritten.
//
// Drop frames, never queue: a slow viewer sees a lower frame rate, the
// recording is unaffected.
package framebus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/canrec/internal/types"
)

var (
	ErrBusClosed          = errors.New("framebus: bus is closed")
	ErrSubscriberExists   = errors.New("framebus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("framebus: subscriber not found")
	ErrNilChannel         = errors.New("framebus: nil channel provided")
)

// DropPolicy defines how the bus handles frames when a subscriber cannot keep up
type DropPolicy int

const (
	DropNew DropPolicy = iota
	Latest
)

func (p DropPolicy) String() string {
	if p == Latest {
		return "latest"
	}
	return "drop_new"
}

// SubscriberStats tracks per-subscriber delivery
type SubscriberStats struct {
	Policy  string `json:"policy"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Stats is a snapshot of bus counters
type Stats struct {
	TotalPublished uint64                     `json:"total_published"`
	TotalSent      uint64                     `json:"total_sent"`
	TotalDropped   uint64                     `json:"total_dropped"`
	Subscribers    map[string]SubscriberStats `json:"subscribers"`
}

type subscriber struct {
	policy  DropPolicy
	sent    atomic.Uint64
	dropped atomic.Uint64

	ch     chan<- types.Frame // DropNew
	latest *LatestFrame       // Latest
}

// Bus fans frames out to subscribers. It implements capture.Publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	closed      bool
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch with the DropNew policy
func (b *Bus) Subscribe(id string, ch chan<- types.Frame) error {
	if ch == nil {
		return ErrNilChannel
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkNew(id); err != nil {
		return err
	}
	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeLatest registers a subscriber that only keeps the newest frame
func (b *Bus) SubscribeLatest(id string) (*LatestFrame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkNew(id); err != nil {
		return nil, err
	}
	holder := newLatestFrame()
	b.subscribers[id] = &subscriber{policy: Latest, latest: holder}
	return holder, nil
}

func (b *Bus) checkNew(id string) error {
	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	return nil
}

// Publish distributes frame to all subscribers and never blocks
func (b *Bus) Publish(frame types.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- frame:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}
		case Latest:
			if sub.latest.set(frame) {
				sub.dropped.Add(1)
			}
			sub.sent.Add(1)
		}
	}
}

// Unsubscribe removes a subscriber. Latest holders are closed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.latest != nil {
		sub.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns global and per-subscriber counters.
// For Latest subscribers Dropped counts frames overwritten before being read.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		TotalPublished: b.published.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s := SubscriberStats{
			Policy:  sub.policy.String(),
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
		}
		st.Subscribers[id] = s
		if sub.policy == DropNew {
			st.TotalSent += s.Sent
			st.TotalDropped += s.Dropped
		}
	}
	return st
}

// Close shuts down the bus and every Latest holder
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		if sub.latest != nil {
			sub.latest.Close()
		}
	}
	b.subscribers = nil
}

// LatestFrame holds the most recent frame for one subscriber
type LatestFrame struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *types.Frame
	read   bool
	closed bool
}

func newLatestFrame() *LatestFrame {
	h := &LatestFrame{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// set stores frame and reports whether an unread frame was overwritten
func (h *LatestFrame) set(frame types.Frame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	overwritten := h.frame != nil && !h.read
	h.frame = &frame
	h.read = false
	h.cond.Broadcast()
	return overwritten
}

// Receive blocks until an unread frame is available. It returns false once
// the holder is closed.
func (h *LatestFrame) Receive() (types.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for (h.frame == nil || h.read) && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		return types.Frame{}, false
	}
	h.read = true
	return *h.frame, true
}

// TryReceive returns the newest frame if it has not been read yet
func (h *LatestFrame) TryReceive() (types.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.frame == nil || h.read || h.closed {
		return types.Frame{}, false
	}
	h.read = true
	return *h.frame, true
}

// Close wakes blocked receivers
func (h *LatestFrame) Close() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}
