package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HealthStatus represents the health state of the recorder service
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64  `json:"uptime_seconds"`
	CameraOpen    bool   `json:"camera_open"`
	BusConnected  bool   `json:"bus_connected"`
	MQTTConnected bool   `json:"mqtt_connected"`
	Recording     bool   `json:"recording"`
	SessionID     string `json:"session_id,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// HealthCheck returns the current health status of the service.
// A running service without camera or bus is degraded, not unhealthy:
// it stays up and reports the failure.
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	snap := s.controller.Snapshot()
	status := HealthStatus{
		Status:       "healthy",
		CameraOpen:   s.worker.IsOpen(),
		BusConnected: s.listener.Stats().Connected,
		Recording:    snap.Recording,
		SessionID:    snap.SessionID,
		LastError:    snap.LastError,
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	mqttOK := true
	if s.emitter != nil {
		status.MQTTConnected = s.emitter.IsConnected()
		mqttOK = status.MQTTConnected
	}

	switch {
	case !running:
		status.Status = "unhealthy"
	case !status.CameraOpen || !status.BusConnected || !mqttOK:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness. Degraded still answers 200.
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// StatusHandler handles /status with the full component counters
func (s *Service) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStatus())
}

// MetricsHandler handles /metrics in the Prometheus text format
func (s *Service) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	snap := s.controller.Snapshot()
	camera := s.worker.Stats()
	bus := s.listener.Stats()
	id := s.cfg.InstanceID

	gauge := func(name string, v any) {
		fmt.Fprintf(w, "canrec_%s{instance=%q} %v\n", name, id, v)
	}

	w.WriteHeader(http.StatusOK)
	gauge("recording", boolMetric(snap.Recording))
	gauge("camera_open", boolMetric(s.worker.IsOpen()))
	gauge("bus_connected", boolMetric(bus.Connected))
	gauge("recordings_started_total", snap.Started)
	gauge("recordings_stopped_total", snap.Stopped)
	gauge("recordings_kept_total", snap.Kept)
	gauge("commands_ignored_total", snap.Ignored)
	gauge("frames_read_total", camera.FramesRead)
	gauge("frames_written_total", camera.FramesWritten)
	gauge("read_errors_total", camera.ReadErrors)
	gauge("bus_frames_total", bus.FramesReceived)
}

func boolMetric(b bool) int {
	if b {
		return 1
	}
	return 0
}

// StartHealthServer starts the HTTP health check server on the given port.
// It does not block.
func (s *Service) StartHealthServer(port string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/status", s.StatusHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.health = server
	s.mu.Unlock()

	slog.Info("core: starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/status", "/metrics"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("core: health check server failed", "error", err)
		}
	}()

	return nil
}
