// Package canbus receives frames from the control bus and dispatches them, one
// at a time and in arrival order, to a single handler.
package canbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/canrec/internal/types"
)

// Interface names
const (
	InterfaceSocketCAN = "socketcan"
	InterfaceMQTT      = "mqtt"
	InterfaceVirtual   = "virtual"
)

// ErrClosed is returned by Transport.Receive after Close
var ErrClosed = errors.New("transport closed")

// Transport is a receive-only link to the bus
type Transport interface {
	// Receive blocks until the next frame arrives. It returns ErrClosed after
	// Close, or another error when the link broke.
	Receive() (types.BusFrame, error)
	// Close unblocks Receive and releases the link
	Close() error
}

// Config contains bus link settings
type Config struct {
	Interface string
	Channel   string
	// Bitrate in bit/s; transports configured out-of-band ignore it
	Bitrate      int
	CloseTimeout time.Duration
}

// Handler receives bus frames. HandleFrame should return quickly: Close
// waits for a call in progress.
type Handler interface {
	HandleFrame(frame types.BusFrame)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(frame types.BusFrame)

// HandleFrame calls f(frame)
func (f HandlerFunc) HandleFrame(frame types.BusFrame) { f(frame) }

// Dialer opens a transport for cfg
type Dialer func(ctx context.Context, cfg Config) (Transport, error)

// Stats contains listener counters
type Stats struct {
	Interface      string `json:"interface"`
	Channel        string `json:"channel"`
	Connected      bool   `json:"connected"`
	FramesReceived uint64 `json:"frames_received"`
	DispatchErrors uint64 `json:"dispatch_errors"`
}

// Listener owns one transport and its dispatch goroutine
type Listener struct {
	cfg  Config
	dial Dialer
	sink types.Sink

	mu        sync.Mutex
	transport Transport
	done      chan struct{}
	err       error

	// deliverMu is held across the closing check and the handler call
	deliverMu sync.Mutex
	closing   atomic.Bool
	received atomic.Uint64
	faults   atomic.Uint64
}

// NewListener creates a listener. sink receives bus status and error events
// and may be nil.
func NewListener(cfg Config, dial Dialer, sink types.Sink) *Listener {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = time.Second
	}
	if sink == nil {
		sink = types.SinkFunc(func(types.Event) {})
	}
	return &Listener{cfg: cfg, dial: dial, sink: sink}
}

// Open connects the transport and starts dispatching to h. A connection
// failure is returned wrapping types.ErrBusConnection and is not retried.
func (l *Listener) Open(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("canbus: open: %w: no handler registered", types.ErrBusConfiguration)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transport != nil {
		return fmt.Errorf("canbus: open: listener already open")
	}

	transport, err := l.dial(ctx, l.cfg)
	if err != nil {
		err = fmt.Errorf("canbus: open %s/%s: %w: %w", l.cfg.Interface, l.cfg.Channel, types.ErrBusConnection, err)
		l.err = err
		l.notify(false, err)
		return err
	}

	l.transport = transport
	l.done = make(chan struct{})
	l.err = nil
	l.closing.Store(false)

	go l.dispatch(transport, h, l.done)

	slog.Info("canbus: listener started",
		"interface", l.cfg.Interface,
		"channel", l.cfg.Channel,
		"bitrate", l.cfg.Bitrate,
	)
	l.notify(true, nil)
	return nil
}

// dispatch hands frames to h in arrival order until the transport fails or
// Close begins.
func (l *Listener) dispatch(t Transport, h Handler, done chan struct{}) {
	defer close(done)

	for {
		frame, err := t.Receive()
		if l.closing.Load() {
			return
		}
		if err != nil {
			err = fmt.Errorf("canbus: receive on %s/%s: %w: %v", l.cfg.Interface, l.cfg.Channel, types.ErrBusConnection, err)
			slog.Error("canbus: link lost, listener stopping", "error", err)

			// back to idle so Open can be attempted again
			l.mu.Lock()
			if l.transport != t {
				// a later session owns the listener now
				l.mu.Unlock()
				t.Close()
				return
			}
			l.transport = nil
			l.err = err
			l.mu.Unlock()

			t.Close()
			l.notify(false, err)
			return
		}

		l.received.Add(1)
		if !l.deliverOpen(h, frame) {
			return
		}
	}
}

// deliverOpen hands frame to h unless Close has begun
func (l *Listener) deliverOpen(h Handler, frame types.BusFrame) bool {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()
	if l.closing.Load() {
		return false
	}
	l.deliver(h, frame)
	return true
}

// deliver runs the handler, turning a panic into a non-fatal dispatch error
func (l *Listener) deliver(h Handler, frame types.BusFrame) {
	defer func() {
		if r := recover(); r != nil {
			l.faults.Add(1)
			err := fmt.Errorf("canbus: frame %X: %w: %v", frame.ID, types.ErrBusDispatch, r)
			slog.Error("canbus: handler failed", "error", err)
			l.sink.Submit(types.BusError(err))
		}
	}()
	h.HandleFrame(frame)
}

// Close stops dispatching and releases the transport. No frame is handed to
// the handler once Close has begun. Close is idempotent and waits at most
// CloseTimeout for the dispatch goroutine.
func (l *Listener) Close() error {
	l.mu.Lock()
	transport, done := l.transport, l.done
	l.transport = nil
	l.mu.Unlock()

	if transport == nil {
		return nil
	}

	// waits out a delivery already in progress
	l.deliverMu.Lock()
	first := l.closing.CompareAndSwap(false, true)
	l.deliverMu.Unlock()
	if !first {
		return nil
	}

	err := transport.Close()

	select {
	case <-done:
	case <-time.After(l.cfg.CloseTimeout):
		slog.Warn("canbus: dispatch goroutine did not exit in time", "timeout", l.cfg.CloseTimeout)
	}

	slog.Info("canbus: listener stopped",
		"frames_received", l.received.Load(),
		"dispatch_errors", l.faults.Load(),
	)
	l.notify(false, nil)
	return err
}

// Done is closed when the dispatch goroutine exits
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.done
}

// Err returns the terminal error of the last session, if any
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Stats returns listener counters
func (l *Listener) Stats() Stats {
	l.mu.Lock()
	connected := l.transport != nil && l.err == nil
	l.mu.Unlock()
	return Stats{
		Interface:      l.cfg.Interface,
		Channel:        l.cfg.Channel,
		Connected:      connected,
		FramesReceived: l.received.Load(),
		DispatchErrors: l.faults.Load(),
	}
}

func (l *Listener) notify(connected bool, err error) {
	status := types.Status{
		Kind:      types.StatusBusConnection,
		Connected: connected,
		Message:   fmt.Sprintf("%s/%s", l.cfg.Interface, l.cfg.Channel),
	}
	l.sink.Submit(types.StatusChanged(types.SourceBus, status))
	if err != nil {
		l.sink.Submit(types.BusError(err))
	}
}

// Dial opens the transport named by cfg.Interface. mqttDial is used for the
// mqtt interface and may be nil when that interface is not configured.
func Dial(mqttDial Dialer) Dialer {
	return func(ctx context.Context, cfg Config) (Transport, error) {
		switch cfg.Interface {
		case InterfaceSocketCAN:
			return DialSocketCAN(ctx, cfg)
		case InterfaceMQTT:
			if mqttDial == nil {
				return nil, fmt.Errorf("%w: mqtt interface selected without broker settings", types.ErrBusConfiguration)
			}
			return mqttDial(ctx, cfg)
		case InterfaceVirtual:
			return NewVirtualBus(cfg.Channel), nil
		default:
			return nil, fmt.Errorf("%w: unknown interface %q", types.ErrBusConfiguration, cfg.Interface)
		}
	}
}
