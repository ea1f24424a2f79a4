package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/e7canasta/canrec/internal/canbus"
	"github.com/e7canasta/canrec/internal/capture"
	"github.com/e7canasta/canrec/internal/command"
	"github.com/e7canasta/canrec/internal/config"
	"github.com/e7canasta/canrec/internal/control"
	"github.com/e7canasta/canrec/internal/emitter"
	"github.com/e7canasta/canrec/internal/framebus"
	"github.com/e7canasta/canrec/internal/preview"
	"github.com/e7canasta/canrec/internal/recorder"
	"github.com/e7canasta/canrec/internal/types"
)

// Dependencies are the hardware-facing parts of the service
type Dependencies struct {
	Source  capture.FrameSource
	Writers capture.WriterFactory
	// Dialer opens the bus transport; canbus.Dial is used when nil
	Dialer canbus.Dialer
}

// Service is the main service orchestrator
type Service struct {
	cfg *config.Config

	// Core components
	frameBus    *framebus.Bus
	controller  *recorder.Controller
	worker      *capture.Worker
	interpreter *command.Interpreter
	listener    *canbus.Listener

	// Optional surfaces
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	preview        *preview.Server
	health         *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // for the control plane shutdown command
}

// New wires the service from a validated configuration
func New(cfg *config.Config, deps Dependencies) (*Service, error) {
	if deps.Source == nil || deps.Writers == nil {
		return nil, fmt.Errorf("frame source and writer factory are required")
	}

	bus := cfg.BusSettings()
	s := &Service{
		cfg:      cfg,
		frameBus: framebus.New(),
		controller: recorder.New(recorder.Config{
			ShutdownLabel: cfg.Recording.ShutdownLabel,
		}),
	}

	s.worker = capture.NewWorker(capture.Config{
		SaveDir:          cfg.Camera.SaveDirectory,
		Codecs:           cfg.Camera.Codecs,
		Extension:        cfg.Camera.Extension,
		FallbackFPS:      cfg.Camera.FallbackFPS,
		MinArtifactBytes: cfg.Camera.MinArtifactBytes,
		MaxNameSuffix:    cfg.Camera.MaxNameAttempts,
		ReadBackoff:      cfg.Camera.ReadBackoff(),
		SettleDelay:      cfg.Camera.SettleDelay(),
		JoinTimeout:      cfg.Camera.JoinTimeout(),
		ShutdownLabel:    cfg.Recording.ShutdownLabel,
	}, deps.Source, deps.Writers, s.frameBus, s.controller)
	s.controller.Bind(s.worker)

	s.interpreter = command.New(command.Config{
		BeginID:    bus.BeginID,
		EndID:      bus.EndID,
		LogTraffic: bus.LogTraffic,
	}, s.controller)

	dial := deps.Dialer
	if dial == nil {
		var mqttDial canbus.Dialer
		if cfg.MQTT.Broker != "" {
			mqttDial = canbus.MQTTDialer(canbus.MQTTSettings{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.InstanceID + "-bus",
				TopicPrefix: cfg.MQTT.Topics.Bus,
				QoS:         cfg.MQTT.QoS["bus"],
			})
		}
		dial = canbus.Dial(mqttDial)
	}
	s.listener = canbus.NewListener(canbus.Config{
		Interface: bus.Interface,
		Channel:   bus.Channel,
		Bitrate:   bus.Bitrate,
	}, dial, s.controller)

	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(cfg)
	}

	if cfg.Preview.Enabled {
		s.preview = preview.NewServer(preview.Config{
			Addr:        cfg.Preview.Addr,
			MaxFPS:      cfg.Preview.MaxFPS,
			JPEGQuality: cfg.Preview.JPEGQuality,
		}, s.frameBus, func() any { return s.controller.Snapshot() })
		s.controller.Subscribe(s.preview)
	}

	s.controller.Subscribe(types.ObserverFunc(logStatus))

	slog.Info("core: service configured",
		"instance_id", cfg.InstanceID,
		"device", deps.Source.ID(),
		"bus_interface", bus.Interface,
		"bus_channel", bus.Channel,
		"begin_id", fmt.Sprintf("%X", bus.BeginID),
		"end_id", fmt.Sprintf("%X", bus.EndID),
		"mqtt", cfg.MQTT.Broker != "",
		"preview", cfg.Preview.Enabled,
	)
	return s, nil
}

// Run starts every component and blocks until ctx is cancelled or the
// control plane requests shutdown. Camera and bus failures are reported,
// not returned: the service keeps running so the operator can see them.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelCtx = cancel
	s.mu.Unlock()

	slog.Info("core: service starting", "instance_id", s.cfg.InstanceID)

	if err := s.controller.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		s.controller.Subscribe(s.emitter)

		s.controlHandler = control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
			OnGetStatus:        s.GetStatus,
			OnBeginRecording:   s.beginViaControl,
			OnEndRecording:     s.endViaControl,
			OnSetSaveDirectory: s.worker.SetSaveDirectory,
			OnShutdown:         s.shutdownViaControl,
		})
		if err := s.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	}

	if s.preview != nil {
		if err := s.preview.Start(); err != nil {
			return fmt.Errorf("failed to start preview: %w", err)
		}
	}

	if s.cfg.Health.Port != "" {
		if err := s.StartHealthServer(s.cfg.Health.Port); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	if err := s.worker.Open(ctx); err != nil {
		slog.Error("core: camera unavailable, bus commands will be ignored", "error", err)
		s.controller.Submit(types.DeviceError(err))
	}

	if err := s.listener.Open(ctx, s.interpreter); err != nil {
		// the listener already reported the failure as a bus error
		slog.Error("core: bus unavailable", "error", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logStats(ctx, 30*time.Second)
	}()

	slog.Info("core: service running")

	<-ctx.Done()

	slog.Info("core: service run loop exiting")
	return nil
}

// Shutdown stops every component. An active recording is finalized with
// the shutdown label before the controller drains.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancelCtx
	s.mu.Unlock()

	slog.Info("core: shutting down service")

	// Shutdown sequence (order is important!):
	// 1. Stop command intake
	if err := s.listener.Close(); err != nil {
		slog.Error("core: failed to close bus listener", "error", err)
	}
	if s.controlHandler != nil {
		if err := s.controlHandler.Stop(); err != nil {
			slog.Error("core: failed to stop control handler", "error", err)
		}
	}

	// 2. Stop capture; finalizes an active recording
	if err := s.worker.Close(); err != nil {
		slog.Error("core: failed to stop capture", "error", err)
	}

	// 3. Drain the controller so every notification is delivered
	var firstErr error
	if err := s.controller.Stop(ctx); err != nil {
		slog.Error("core: controller did not drain", "error", err)
		firstErr = err
	}

	// 4. Presentation and broker
	if s.preview != nil {
		if err := s.preview.Shutdown(ctx); err != nil {
			slog.Error("core: failed to stop preview", "error", err)
		}
	}
	s.frameBus.Close()

	s.mu.RLock()
	health := s.health
	s.mu.RUnlock()
	if health != nil {
		if err := health.Shutdown(ctx); err != nil {
			slog.Error("core: failed to stop health server", "error", err)
		}
	}

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("core: failed to disconnect mqtt", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("core: service shutdown complete", "uptime", uptime.Round(time.Second))
	return firstErr
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}

// GetStatus returns the current status of the service
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"uptime_s":    time.Since(started).Seconds(),
		"running":     running,
		"recorder":    s.controller.Snapshot(),
		"capture":     s.worker.Stats(),
		"bus":         s.listener.Stats(),
		"commands":    s.interpreter.Stats(),
		"framebus":    s.frameBus.Stats(),
	}
	if s.emitter != nil {
		status["mqtt"] = s.emitter.Stats()
	}
	if s.preview != nil {
		status["preview"] = s.preview.Stats()
	}
	return status
}

func (s *Service) beginViaControl() error {
	s.controller.Submit(types.BeginRecording(types.SourceControl))
	return nil
}

func (s *Service) endViaControl(label string) error {
	s.controller.Submit(types.EndRecording(types.SourceControl, command.DecodeLabel([]byte(label))))
	return nil
}

// shutdownViaControl cancels Run; the caller of Run performs Shutdown
func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	cancel := s.cancelCtx
	s.mu.RUnlock()

	if cancel == nil {
		return fmt.Errorf("service is not running")
	}
	cancel()
	return nil
}

func (s *Service) logStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec := s.controller.Snapshot()
			camera := s.worker.Stats()
			bus := s.listener.Stats()
			slog.Info("core: stats",
				"capture_state", camera.State,
				"frames_read", camera.FramesRead,
				"frames_written", camera.FramesWritten,
				"read_errors", camera.ReadErrors,
				"bus_connected", bus.Connected,
				"bus_frames", bus.FramesReceived,
				"recordings_started", rec.Started,
				"recordings_stopped", rec.Stopped,
				"pending_events", rec.Pending,
			)
		}
	}
}

// logStatus writes every status notification to the log
func logStatus(st types.Status) {
	attrs := []any{"kind", string(st.Kind)}
	if st.SessionID != "" {
		attrs = append(attrs, "session_id", st.SessionID)
	}
	if st.Kind == types.StatusRecordingStopped {
		attrs = append(attrs, "path", st.Path)
	}
	if st.Kind == types.StatusBusConnection || st.Kind == types.StatusCameraState {
		attrs = append(attrs, "connected", st.Connected)
	}
	if st.Message != "" {
		attrs = append(attrs, "message", st.Message)
	}

	switch st.Kind {
	case types.StatusCameraError, types.StatusBusError:
		slog.Error("core: status", append(attrs, "error_kind", string(st.ErrorKind))...)
	case types.StatusCommandIgnored:
		slog.Warn("core: status", attrs...)
	default:
		slog.Info("core: status", attrs...)
	}
}
