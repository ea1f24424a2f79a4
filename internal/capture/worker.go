// Package capture owns the camera: it runs the read/display/write loop and the
// recording lifecycle (temp file, finalize, discard) behind a single guard.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/canrec/internal/types"
	"github.com/google/uuid"
)

// State is the worker lifecycle state
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateRecording
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Labels used when a recording is finalized without an operator command
const (
	LabelShutdown   = "Shutdown"
	LabelDeviceLost = "DeviceLost"
)

// Config contains capture worker configuration
type Config struct {
	SaveDir          string
	Codecs           []string // tried in order, e.g. mp4v then XVID
	Extension        string   // including the dot
	FallbackFPS      float64
	MinArtifactBytes int64 // artifacts of this size or smaller are discarded
	MaxNameSuffix    int
	ReadBackoff      time.Duration
	SettleDelay      time.Duration
	MinPacing        time.Duration
	JoinTimeout      time.Duration
	ShutdownLabel    string

	// Clock is used for temp and artifact names (time.Now when nil)
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if len(c.Codecs) == 0 {
		c.Codecs = []string{"mp4v", "XVID"}
	}
	if c.Extension == "" {
		c.Extension = ".mp4"
	}
	if c.FallbackFPS <= 0 {
		c.FallbackFPS = 25
	}
	if c.MinArtifactBytes <= 0 {
		c.MinArtifactBytes = 500
	}
	if c.MaxNameSuffix <= 0 {
		c.MaxNameSuffix = 100
	}
	if c.ReadBackoff <= 0 {
		c.ReadBackoff = 50 * time.Millisecond
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.MinPacing <= 0 {
		c.MinPacing = 10 * time.Millisecond
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 3 * time.Second
	}
	if c.ShutdownLabel == "" {
		c.ShutdownLabel = LabelShutdown
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// recording is the single piece of state shared between the capture loop and
// the command path. It is only read or swapped under Worker.mu.
type recording struct {
	id       string
	tempPath string
	writer   ArtifactWriter
	started  time.Time
	frames   uint64
}

// Stats contains capture counters
type Stats struct {
	State         string    `json:"state"`
	Device        string    `json:"device"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	FPS           float64   `json:"fps"`
	FramesRead    uint64    `json:"frames_read"`
	FramesWritten uint64    `json:"frames_written"`
	ReadErrors    uint64    `json:"read_errors"`
	LastFrameAt   time.Time `json:"last_frame_at"`
	Recording     bool      `json:"recording"`
	SessionID     string    `json:"session_id,omitempty"`
}

// Worker owns a FrameSource and the active recording
type Worker struct {
	cfg     Config
	source  FrameSource
	writers WriterFactory
	display Publisher
	sink    types.Sink

	mu       sync.Mutex
	state    State
	opening  bool
	starting bool
	rec      *recording
	saveDir  string
	props    Properties
	cancel   context.CancelFunc
	done     chan struct{}

	framesRead    atomic.Uint64
	framesWritten atomic.Uint64
	readErrors    atomic.Uint64
	lastFrameAt   atomic.Int64
}

// NewWorker creates a worker. display and sink may be nil.
func NewWorker(cfg Config, source FrameSource, writers WriterFactory, display Publisher, sink types.Sink) *Worker {
	cfg.applyDefaults()
	if sink == nil {
		sink = types.SinkFunc(func(types.Event) {})
	}
	return &Worker{
		cfg:     cfg,
		source:  source,
		writers: writers,
		display: display,
		sink:    sink,
		saveDir: cfg.SaveDir,
	}
}

// Open opens the device and starts the capture loop. ctx bounds the loop's lifetime.
// Open may be called again after the worker reached Stopped.
func (w *Worker) Open(ctx context.Context) error {
	w.mu.Lock()
	if w.opening || w.state == StateStreaming || w.state == StateStopping {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("capture: open: worker is %s", state)
	}
	w.opening = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.opening = false
		w.mu.Unlock()
	}()

	if err := w.source.Open(ctx); err != nil {
		return fmt.Errorf("capture: open %s: %w: %v", w.source.ID(), types.ErrDeviceUnavailable, err)
	}

	props := w.source.Properties()
	if !props.Valid() {
		// Some devices report their geometry only after warming up
		slog.Debug("capture: device reported no geometry, retrying after settle delay",
			"device", w.source.ID(),
			"delay", w.cfg.SettleDelay,
		)
		if !sleepCtx(ctx, w.cfg.SettleDelay) {
			w.source.Close()
			return fmt.Errorf("capture: open %s: %w", w.source.ID(), ctx.Err())
		}
		props = w.source.Properties()
	}
	if !props.Valid() {
		w.source.Close()
		return fmt.Errorf("capture: open %s: %w: invalid geometry %dx%d",
			w.source.ID(), types.ErrDeviceUnavailable, props.Width, props.Height)
	}
	props.FPS = normalizeFPS(props.FPS, w.cfg.FallbackFPS, w.source.ID())

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.mu.Lock()
	w.props = props
	w.state = StateStreaming
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go w.run(loopCtx, done)

	slog.Info("capture: device opened",
		"device", w.source.ID(),
		"resolution", fmt.Sprintf("%dx%d", props.Width, props.Height),
		"fps", props.FPS,
	)
	w.sink.Submit(types.StatusChanged(types.SourceCamera, types.Status{
		Kind:      types.StatusCameraState,
		Connected: true,
		Message:   fmt.Sprintf("%s %dx%d@%.1f", w.source.ID(), props.Width, props.Height, props.FPS),
	}))
	return nil
}

// Close stops the capture loop, finalizing any active recording with the
// shutdown label. It waits at most JoinTimeout for the loop to exit.
func (w *Worker) Close() error {
	w.mu.Lock()
	switch w.state {
	case StateStreaming:
	case StateStopping:
		// the loop is already exiting on its own; wait for its cleanup
		done := w.done
		w.mu.Unlock()
		return w.join(done)
	default:
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	slog.Info("capture: stopping", "device", w.source.ID())
	cancel()
	return w.join(done)
}

// join waits at most JoinTimeout for the capture loop to exit
func (w *Worker) join(done chan struct{}) error {
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(w.cfg.JoinTimeout):
		// The loop is blocked inside the device driver. Cleanup still runs
		// whenever Read returns; until then the device handle stays open.
		slog.Error("capture: loop did not exit in time, device handle may leak",
			"device", w.source.ID(),
			"timeout", w.cfg.JoinTimeout,
		)
		return fmt.Errorf("capture: close %s: loop did not exit within %s", w.source.ID(), w.cfg.JoinTimeout)
	}
}

// Done is closed when the current capture loop has exited
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return w.done
}

// State returns the current lifecycle state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStreaming && w.rec != nil {
		return StateRecording
	}
	return w.state
}

// IsOpen reports whether the capture loop is running
func (w *Worker) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateStreaming
}

// Properties returns the geometry and rate negotiated at open
func (w *Worker) Properties() Properties {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.props
}

// SaveDirectory returns the directory artifacts are committed to
func (w *Worker) SaveDirectory() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saveDir
}

// SetSaveDirectory changes the target directory for subsequent finalizations.
// dir must exist.
func (w *Worker) SetSaveDirectory(dir string) error {
	if !isDir(dir) {
		return fmt.Errorf("capture: %w: %q", types.ErrInvalidSaveDir, dir)
	}
	w.mu.Lock()
	w.saveDir = dir
	w.mu.Unlock()
	slog.Info("capture: save directory changed", "dir", dir)
	return nil
}

// Stats returns a snapshot of capture counters
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	st := Stats{
		State:     w.state.String(),
		Device:    w.source.ID(),
		Width:     w.props.Width,
		Height:    w.props.Height,
		FPS:       w.props.FPS,
		Recording: w.rec != nil,
	}
	if w.rec != nil {
		st.State = StateRecording.String()
		st.SessionID = w.rec.id
	}
	w.mu.Unlock()

	st.FramesRead = w.framesRead.Load()
	st.FramesWritten = w.framesWritten.Load()
	st.ReadErrors = w.readErrors.Load()
	if ns := w.lastFrameAt.Load(); ns > 0 {
		st.LastFrameAt = time.Unix(0, ns)
	}
	return st
}

// StartRecording opens a writer on a fresh temp file and switches to Recording.
// It fails with an error wrapping types.ErrRecordingPrecondition when already
// recording, when the device is not open, or when no writer could be opened.
func (w *Worker) StartRecording() error {
	w.mu.Lock()
	if w.rec != nil || w.starting {
		w.mu.Unlock()
		return types.ErrAlreadyRecording
	}
	if w.state != StateStreaming {
		w.mu.Unlock()
		return types.ErrDeviceNotReady
	}
	w.starting = true
	dir := w.saveDir
	w.mu.Unlock()

	// The writer is opened outside the guard so the loop keeps capturing
	rec, err := w.openRecording(dir)

	w.mu.Lock()
	w.starting = false
	if err == nil && w.state != StateStreaming {
		w.mu.Unlock()
		rec.writer.Abandon()
		removeQuietly(rec.tempPath)
		return types.ErrDeviceNotReady
	}
	if err == nil {
		w.rec = rec
	}
	w.mu.Unlock()

	if err != nil {
		return err
	}

	slog.Info("capture: recording started",
		"session_id", rec.id,
		"temp_path", rec.tempPath,
	)
	w.sink.Submit(types.StatusChanged(types.SourceCamera, types.Status{
		Kind:      types.StatusRecordingStarted,
		SessionID: rec.id,
		Message:   filepath.Base(rec.tempPath),
	}))
	return nil
}

func (w *Worker) openRecording(dir string) (*recording, error) {
	if !isDir(dir) {
		return nil, fmt.Errorf("capture: %w: %q", types.ErrInvalidSaveDir, dir)
	}

	// Re-query: some backends only report real metrics after the first read
	props := w.Properties()
	if current := w.source.Properties(); current.Valid() {
		props.Width, props.Height = current.Width, current.Height
		props.FPS = normalizeFPS(current.FPS, w.cfg.FallbackFPS, w.source.ID())
	}

	now := w.cfg.Clock()
	tempPath := freeTempPath(dir, now, w.cfg.Extension)

	var lastErr error
	for _, codec := range w.cfg.Codecs {
		writer, err := w.writers.Open(tempPath, codec, props)
		if err == nil {
			slog.Debug("capture: writer opened", "codec", codec, "path", tempPath)
			return &recording{
				id:       uuid.New().String(),
				tempPath: tempPath,
				writer:   writer,
				started:  now,
			}, nil
		}
		slog.Warn("capture: writer open failed, trying next codec",
			"codec", codec,
			"path", tempPath,
			"error", err,
		)
		lastErr = err
		removeQuietly(tempPath)
	}

	removeQuietly(tempPath)
	return nil, fmt.Errorf("capture: no codec could open %s: %w: %w: %v",
		tempPath, types.ErrRecordingPrecondition, types.ErrWriterFailure, lastErr)
}

// StopRecordingAndFinalize detaches the active recording and commits it under
// a name derived from label. It returns the final path, or "" when nothing
// was kept. A recording_stopped notification is emitted in every case.
func (w *Worker) StopRecordingAndFinalize(label string) string {
	w.mu.Lock()
	rec := w.rec
	w.rec = nil
	w.mu.Unlock()

	if rec == nil {
		slog.Debug("capture: stop requested while not recording")
		w.emitStopped("", "", "not recording")
		return ""
	}

	path := w.finalize(rec, label)
	msg := "discarded"
	if path != "" {
		msg = filepath.Base(path)
	}
	w.emitStopped(rec.id, path, msg)
	return path
}

// finalize closes the writer and renames or deletes the temp file. It never
// fails past its caller: every error path removes the temp file and returns "".
func (w *Worker) finalize(rec *recording, label string) string {
	log := slog.With("session_id", rec.id, "temp_path", rec.tempPath)

	size, err := rec.writer.Finalize()
	if err != nil {
		log.Error("capture: finalize writer failed", "error", fmt.Errorf("%w: %v", types.ErrWriterFailure, err))
		w.discard(rec.tempPath)
		return ""
	}

	if size <= w.cfg.MinArtifactBytes {
		log.Warn("capture: recording too small, discarding",
			"size_bytes", size,
			"min_bytes", w.cfg.MinArtifactBytes,
			"frames", rec.frames,
		)
		w.discard(rec.tempPath)
		return ""
	}

	dir := w.SaveDirectory()
	if !isDir(dir) {
		dir = filepath.Dir(rec.tempPath)
		log.Warn("capture: save directory no longer valid, keeping artifact next to temp file", "dir", dir)
	}

	final, err := UniqueArtifactPath(dir, w.cfg.Clock(), label, w.cfg.Extension, w.cfg.MaxNameSuffix)
	if err != nil {
		log.Error("capture: could not name artifact", "label", label, "error", err)
		w.discard(rec.tempPath)
		return ""
	}

	if err := os.Rename(rec.tempPath, final); err != nil {
		log.Error("capture: rename failed", "target", final, "error", err)
		w.discard(rec.tempPath)
		return ""
	}

	log.Info("capture: recording saved",
		"path", final,
		"size_bytes", size,
		"frames", rec.frames,
		"duration", w.cfg.Clock().Sub(rec.started).Round(time.Millisecond),
	)
	return final
}

func (w *Worker) discard(path string) {
	if err := removeQuietly(path); err != nil {
		slog.Error("capture: could not remove temp file", "path", path, "error", err)
	}
}

func (w *Worker) emitStopped(sessionID, path, msg string) {
	w.sink.Submit(types.StatusChanged(types.SourceCamera, types.Status{
		Kind:      types.StatusRecordingStopped,
		SessionID: sessionID,
		Path:      path,
		Message:   msg,
	}))
}

// run is the capture loop
func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	lost := false
	defer func() { w.cleanup(lost) }()

	pacing := w.pacing()
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := w.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, types.ErrDeviceLost) || !w.source.IsOpened() {
				slog.Error("capture: device disconnected", "device", w.source.ID(), "error", err)
				lost = true
				return
			}
			w.readErrors.Add(1)
			slog.Debug("capture: transient read failure", "device", w.source.ID(), "error", err)
			if !sleepCtx(ctx, w.cfg.ReadBackoff) {
				return
			}
			continue
		}

		seq++
		frame.Seq = seq
		if frame.Source == "" {
			frame.Source = w.source.ID()
		}
		if frame.Timestamp.IsZero() {
			frame.Timestamp = time.Now()
		}
		w.framesRead.Add(1)
		w.lastFrameAt.Store(frame.Timestamp.UnixNano())

		w.publish(frame)
		w.writeIfRecording(frame)

		if !sleepCtx(ctx, pacing) {
			return
		}
	}
}

// publish hands a copy of frame to the display. Failures never reach the loop.
func (w *Worker) publish(frame types.Frame) {
	if w.display == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("capture: display publish failed", "panic", r)
		}
	}()
	frame.Data = append([]byte(nil), frame.Data...)
	w.display.Publish(frame)
}

// writeIfRecording appends frame to the active writer under the guard.
// A failed write demotes to Streaming and releases the writer.
func (w *Worker) writeIfRecording(frame types.Frame) {
	w.mu.Lock()
	rec := w.rec
	if rec == nil {
		w.mu.Unlock()
		return
	}
	err := rec.writer.Write(frame)
	if err != nil {
		w.rec = nil
	} else {
		rec.frames++
	}
	w.mu.Unlock()

	if err == nil {
		w.framesWritten.Add(1)
		return
	}

	rec.writer.Abandon()
	w.discard(rec.tempPath)
	werr := fmt.Errorf("capture: append frame %d: %w: %v", frame.Seq, types.ErrWriterFailure, err)
	slog.Error("capture: recording abandoned", "session_id", rec.id, "error", werr)
	w.emitStopped(rec.id, "", "writer failure")
	w.sink.Submit(types.DeviceError(werr))
}

// cleanup releases the device and finalizes any recording left by the loop
func (w *Worker) cleanup(lost bool) {
	// Stopping from here on: StartRecording must not install a recording
	// that nothing would finalize.
	w.mu.Lock()
	rec := w.rec
	w.rec = nil
	w.state = StateStopping
	w.mu.Unlock()

	if rec != nil {
		label := w.cfg.ShutdownLabel
		if lost {
			label = LabelDeviceLost
		}
		path := w.finalize(rec, label)
		w.emitStopped(rec.id, path, "finalized on "+label)
	}

	if err := w.source.Close(); err != nil {
		slog.Warn("capture: device close failed", "device", w.source.ID(), "error", err)
	}

	w.mu.Lock()
	w.state = StateStopped
	w.cancel = nil
	w.mu.Unlock()

	slog.Info("capture: stopped",
		"device", w.source.ID(),
		"frames_read", w.framesRead.Load(),
		"frames_written", w.framesWritten.Load(),
		"device_lost", lost,
	)

	w.sink.Submit(types.StatusChanged(types.SourceCamera, types.Status{
		Kind:      types.StatusCameraState,
		Connected: false,
	}))
	if lost {
		w.sink.Submit(types.DeviceError(fmt.Errorf("capture: %s: %w", w.source.ID(), types.ErrDeviceLost)))
	}
}

// pacing is max(MinPacing, 0.9/fps)
func (w *Worker) pacing() time.Duration {
	fps := w.Properties().FPS
	if fps <= 0 {
		return w.cfg.MinPacing
	}
	d := time.Duration(0.9 / fps * float64(time.Second))
	if d < w.cfg.MinPacing {
		return w.cfg.MinPacing
	}
	return d
}

// sleepCtx sleeps for d and reports false if ctx was cancelled first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
