// Package recorder coordinates bus commands with the capture worker: a single
// goroutine consumes events in arrival order and drives recording start/stop.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/canrec/internal/capture"
	"github.com/e7canasta/canrec/internal/types"
)

// Worker is the part of the capture worker the controller drives
type Worker interface {
	IsOpen() bool
	State() capture.State
	StartRecording() error
	StopRecordingAndFinalize(label string) string
}

// Config contains controller settings
type Config struct {
	// ShutdownLabel names a recording finalized by Stop
	ShutdownLabel string
}

// Snapshot is a point-in-time view of the controller
type Snapshot struct {
	Recording       bool      `json:"recording"`
	SessionID       string    `json:"session_id,omitempty"`
	CameraOpen      bool      `json:"camera_open"`
	BusConnected    bool      `json:"bus_connected"`
	Started         uint64    `json:"recordings_started"`
	Stopped         uint64    `json:"recordings_stopped"`
	Kept            uint64    `json:"artifacts_kept"`
	IdleStops       uint64    `json:"idle_stops"`
	Ignored         uint64    `json:"commands_ignored"`
	LastArtifact    string    `json:"last_artifact,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	LastEventAt     time.Time `json:"last_event_at"`
	EventsProcessed uint64    `json:"events_processed"`
	Pending         int       `json:"pending"`
}

// Controller is the single consumer of recording events
type Controller struct {
	cfg    Config
	worker Worker
	inbox  *mailbox

	obsMu     sync.RWMutex
	observers []types.Observer

	snapMu sync.RWMutex
	snap   Snapshot

	running  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
}

// New creates a controller. Bind a worker before Start.
func New(cfg Config) *Controller {
	if cfg.ShutdownLabel == "" {
		cfg.ShutdownLabel = capture.LabelShutdown
	}
	return &Controller{
		cfg:   cfg,
		inbox: newMailbox(),
		done:  make(chan struct{}),
	}
}

// Bind sets the worker driven by the controller. It must be called before Start.
func (c *Controller) Bind(w Worker) {
	c.worker = w
}

// Subscribe registers an observer for status notifications.
// Observers run on the controller goroutine and must return quickly.
func (c *Controller) Subscribe(o types.Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

// Submit enqueues ev without blocking. Events submitted after Stop finished
// draining are dropped.
func (c *Controller) Submit(ev types.Event) {
	if !c.inbox.put(ev) {
		slog.Debug("recorder: event dropped, controller stopped", "kind", ev.Kind.String(), "source", ev.Source)
	}
}

// Start launches the consumer goroutine
func (c *Controller) Start() error {
	if c.worker == nil {
		return fmt.Errorf("recorder: no worker bound")
	}
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("recorder: controller already running")
	}
	go c.run()
	slog.Info("recorder: controller started")
	return nil
}

// Stop finalizes an active recording with the shutdown label, processes
// every queued event and stops the consumer. It returns ctx.Err() if the
// drain does not finish in time. Stop is idempotent.
func (c *Controller) Stop(ctx context.Context) error {
	if c.stopping.CompareAndSwap(false, true) {
		c.inbox.put(types.EndRecording(types.SourceSystem, c.cfg.ShutdownLabel))
		if c.worker != nil && c.running.CompareAndSwap(false, true) {
			go c.run()
		}
	}
	if c.worker == nil {
		c.inbox.close()
		return nil
	}

	select {
	case <-c.done:
		s := c.Snapshot()
		slog.Info("recorder: controller stopped",
			"recordings_started", s.Started,
			"recordings_stopped", s.Stopped,
			"events_processed", s.EventsProcessed,
		)
		return nil
	case <-ctx.Done():
		slog.Error("recorder: controller did not drain in time", "pending", c.inbox.len())
		return ctx.Err()
	}
}

// Done is closed once the consumer goroutine has exited
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Snapshot returns the current controller view
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	s := c.snap
	c.snapMu.RUnlock()
	s.Pending = c.inbox.len()
	return s
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		ev, ok := c.inbox.take()
		if !ok {
			return
		}
		c.handle(ev)
		c.snapMu.Lock()
		c.snap.EventsProcessed++
		c.snap.LastEventAt = ev.At
		c.snapMu.Unlock()
	}
}

func (c *Controller) handle(ev types.Event) {
	switch ev.Kind {
	case types.EventBeginRecording:
		c.begin(ev)
	case types.EventEndRecording:
		c.end(ev)
	case types.EventDeviceError:
		c.reportError(types.StatusCameraError, ev.Err)
	case types.EventBusError:
		c.reportError(types.StatusBusError, ev.Err)
	case types.EventStatusChanged:
		c.apply(ev.Status)
		c.publish(ev.Status)
	default:
		slog.Warn("recorder: unknown event", "kind", int(ev.Kind))
	}
}

func (c *Controller) begin(ev types.Event) {
	if c.stopping.Load() {
		slog.Info("recorder: begin ignored, shutting down", "source", ev.Source)
		return
	}

	err := c.worker.StartRecording()
	switch {
	case err == nil:
		// recording_started arrives from the worker
	case errors.Is(err, types.ErrAlreadyRecording):
		slog.Info("recorder: begin ignored, already recording", "source", ev.Source)
	default:
		slog.Error("recorder: could not start recording", "source", ev.Source, "error", err)
		c.reportError(types.StatusCameraError, err)
	}
}

func (c *Controller) end(ev types.Event) {
	shutdown := ev.Source == types.SourceSystem && c.stopping.Load()
	if shutdown {
		// Last command: finalize, then stop intake. Events the worker emits
		// while finalizing are already queued and still get delivered.
		defer c.inbox.close()
		if c.worker.State() == capture.StateRecording {
			slog.Info("recorder: finalizing active recording for shutdown", "label", ev.Label)
			c.worker.StopRecordingAndFinalize(ev.Label)
		}
		return
	}
	if c.stopping.Load() {
		slog.Info("recorder: end ignored, shutting down", "source", ev.Source)
		return
	}

	if !c.worker.IsOpen() {
		slog.Warn("recorder: end ignored, capture device unavailable", "label", ev.Label)
		c.snapMu.Lock()
		c.snap.Ignored++
		c.snapMu.Unlock()
		c.publish(types.Status{
			Kind:      types.StatusCommandIgnored,
			Message:   "end recording ignored: capture device unavailable",
			ErrorKind: types.KindDeviceUnavailable,
		})
		return
	}

	// recording_stopped arrives from the worker, with an empty path when
	// nothing was recording or nothing was kept
	c.worker.StopRecordingAndFinalize(ev.Label)
}

func (c *Controller) reportError(kind types.StatusKind, err error) {
	if err == nil {
		return
	}
	c.snapMu.Lock()
	c.snap.LastError = err.Error()
	c.snapMu.Unlock()
	c.publish(types.Status{
		Kind:      kind,
		Message:   err.Error(),
		ErrorKind: types.KindOf(err),
	})
}

// apply folds a worker or bus notification into the snapshot
func (c *Controller) apply(s types.Status) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	switch s.Kind {
	case types.StatusRecordingStarted:
		c.snap.Recording = true
		c.snap.SessionID = s.SessionID
		c.snap.Started++
	case types.StatusRecordingStopped:
		if s.SessionID == "" {
			c.snap.IdleStops++
			return
		}
		c.snap.Recording = false
		c.snap.SessionID = ""
		c.snap.Stopped++
		if s.Path != "" {
			c.snap.Kept++
			c.snap.LastArtifact = s.Path
		}
	case types.StatusCameraState:
		c.snap.CameraOpen = s.Connected
	case types.StatusBusConnection:
		c.snap.BusConnected = s.Connected
	}
}

func (c *Controller) publish(s types.Status) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()

	for _, o := range observers {
		c.notify(o, s)
	}
}

func (c *Controller) notify(o types.Observer, s types.Status) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recorder: observer failed", "status", string(s.Kind), "panic", r)
		}
	}()
	o.OnStatus(s)
}
