package canbus

import (
	"sync"
	"time"

	"github.com/e7canasta/canrec/internal/types"
)

// virtual channels: every endpoint on a channel receives what the others send
var virtualChannels = struct {
	sync.Mutex
	m map[string]map[*VirtualBus]struct{}
}{m: make(map[string]map[*VirtualBus]struct{})}

// VirtualBus is an in-process bus endpoint used for bench testing without
// hardware. Endpoints opened on the same channel name share traffic.
type VirtualBus struct {
	channel string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []types.BusFrame
	closed bool
	err    error
}

// NewVirtualBus attaches a new endpoint to channel
func NewVirtualBus(channel string) *VirtualBus {
	b := &VirtualBus{channel: channel}
	b.cond = sync.NewCond(&b.mu)

	virtualChannels.Lock()
	peers := virtualChannels.m[channel]
	if peers == nil {
		peers = make(map[*VirtualBus]struct{})
		virtualChannels.m[channel] = peers
	}
	peers[b] = struct{}{}
	virtualChannels.Unlock()
	return b
}

// Send delivers frame to every other endpoint on the channel
func (b *VirtualBus) Send(frame types.BusFrame) {
	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = time.Now()
	}
	virtualChannels.Lock()
	defer virtualChannels.Unlock()
	for peer := range virtualChannels.m[b.channel] {
		if peer != b {
			peer.push(frame)
		}
	}
}

func (b *VirtualBus) push(frame types.BusFrame) {
	b.mu.Lock()
	if !b.closed && b.err == nil {
		b.queue = append(b.queue, frame)
	}
	b.mu.Unlock()
	b.cond.Signal()
}

// Fail breaks the link; pending and future receives return err
func (b *VirtualBus) Fail(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Receive blocks until a frame is queued or the endpoint is closed or failed
func (b *VirtualBus) Receive() (types.BusFrame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.closed && b.err == nil {
		b.cond.Wait()
	}
	switch {
	case b.closed:
		return types.BusFrame{}, ErrClosed
	case b.err != nil:
		return types.BusFrame{}, b.err
	}
	frame := b.queue[0]
	b.queue[0] = types.BusFrame{}
	b.queue = b.queue[1:]
	return frame, nil
}

// Close detaches the endpoint. It is safe to call more than once.
func (b *VirtualBus) Close() error {
	virtualChannels.Lock()
	if peers := virtualChannels.m[b.channel]; peers != nil {
		delete(peers, b)
		if len(peers) == 0 {
			delete(virtualChannels.m, b.channel)
		}
	}
	virtualChannels.Unlock()

	b.mu.Lock()
	b.closed = true
	b.queue = nil
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}
