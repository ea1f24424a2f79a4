package core

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/canrec/internal/canbus"
	"github.com/e7canasta/canrec/internal/capture"
	"github.com/e7canasta/canrec/internal/config"
	"github.com/e7canasta/canrec/internal/types"
)

type stubSource struct {
	mu      sync.Mutex
	opened  bool
	openErr error
}

func (s *stubSource) ID() string { return "stub0" }

func (s *stubSource) Open(ctx context.Context) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	return nil
}

func (s *stubSource) Read(ctx context.Context) (types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return types.Frame{}, types.ErrDeviceLost
	}
	return types.Frame{Width: 2, Height: 2, Data: make([]byte, 12)}, nil
}

func (s *stubSource) Properties() capture.Properties {
	return capture.Properties{Width: 2, Height: 2, FPS: 100}
}

func (s *stubSource) IsOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *stubSource) Close() error {
	s.mu.Lock()
	s.opened = false
	s.mu.Unlock()
	return nil
}

type fileWriters struct{}

type fileWriter struct{ f *os.File }

func (fileWriters) Open(path, codec string, props capture.Properties) (capture.ArtifactWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &fileWriter{f: f}, nil
}

func (w *fileWriter) Write(types.Frame) error {
	_, err := w.f.Write(make([]byte, 100))
	return err
}

func (w *fileWriter) Finalize() (int64, error) {
	if err := w.f.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(w.f.Name())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (w *fileWriter) Abandon() { w.f.Close() }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	yaml := `
instance_id: test-01
camera:
  save_directory: ` + t.TempDir() + `
bus:
  interface: virtual
  channel: ` + t.Name() + `
  bitrate: 500000
  begin_id: "0x100"
  end_id: "0x101"
`
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg.Camera.SettleDelayMS = 1
	cfg.Camera.ReadBackoffMS = 1
	cfg.Health.Port = ""
	return cfg
}

// startService runs s in the background and returns a function that shuts it down
func startService(t *testing.T, s *Service) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer scancel()
			if err := s.Shutdown(sctx); err != nil {
				t.Errorf("Shutdown failed: %v", err)
			}
			cancel()
			select {
			case err := <-errCh:
				if err != nil {
					t.Errorf("Run returned error: %v", err)
				}
			case <-time.After(3 * time.Second):
				t.Error("Run did not return")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestNewRequiresDevice(t *testing.T) {
	if _, err := New(testConfig(t), Dependencies{}); err == nil {
		t.Error("Expected error without frame source")
	}
}

// TestBusCommandsProduceArtifact drives a full begin/end cycle over the bus.
func TestBusCommandsProduceArtifact(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, Dependencies{Source: &stubSource{}, Writers: fileWriters{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	startService(t, s)

	waitFor(t, "service ready", func() bool {
		h := s.HealthCheck()
		return h.CameraOpen && h.BusConnected
	})
	if h := s.HealthCheck(); h.Status != "healthy" {
		t.Errorf("Expected healthy, got %+v", h)
	}

	peer := canbus.NewVirtualBus(cfg.Bus.Channel)
	defer peer.Close()

	peer.Send(types.NewBusFrame(0x100, nil))
	waitFor(t, "recording", func() bool { return s.controller.Snapshot().Recording })
	waitFor(t, "frames", func() bool { return s.worker.Stats().FramesWritten >= 10 })

	peer.Send(types.NewBusFrame(0x101, []byte("Impact")))
	waitFor(t, "stop", func() bool { return s.controller.Snapshot().Kept == 1 })

	got := s.controller.Snapshot().LastArtifact
	if !strings.HasSuffix(got, "_Impact.mp4") || filepath.Dir(got) != cfg.Camera.SaveDirectory {
		t.Errorf("Unexpected artifact %q", got)
	}
	if _, err := os.Stat(got); err != nil {
		t.Errorf("Artifact missing: %v", err)
	}
}

// TestShutdownFinalizesRecording saves an active recording under the shutdown label.
func TestShutdownFinalizesRecording(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, Dependencies{Source: &stubSource{}, Writers: fileWriters{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	stop := startService(t, s)

	waitFor(t, "camera open", func() bool { return s.worker.IsOpen() })
	if err := s.beginViaControl(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frames", func() bool { return s.worker.Stats().FramesWritten >= 10 })

	stop()

	matches, _ := filepath.Glob(filepath.Join(cfg.Camera.SaveDirectory, "*_Shutdown.mp4"))
	if len(matches) != 1 {
		t.Fatalf("Expected one shutdown artifact, got %v", matches)
	}
	if h := s.HealthCheck(); h.Status != "unhealthy" {
		t.Errorf("Expected unhealthy after shutdown, got %s", h.Status)
	}
}

// TestCameraFailureIsNotFatal keeps the service up and degraded.
func TestCameraFailureIsNotFatal(t *testing.T) {
	cfg := testConfig(t)
	src := &stubSource{openErr: errors.New("no such device")}
	s, err := New(cfg, Dependencies{Source: src, Writers: fileWriters{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	startService(t, s)

	waitFor(t, "bus connected", func() bool { return s.HealthCheck().BusConnected })
	waitFor(t, "camera error", func() bool { return s.controller.Snapshot().LastError != "" })

	h := s.HealthCheck()
	if h.Status != "degraded" || h.CameraOpen {
		t.Errorf("Expected degraded without camera, got %+v", h)
	}

	peer := canbus.NewVirtualBus(cfg.Bus.Channel)
	defer peer.Close()
	peer.Send(types.NewBusFrame(0x101, []byte("Impact")))
	waitFor(t, "ignored end", func() bool { return s.controller.Snapshot().Ignored == 1 })
}

func TestReadinessHandler(t *testing.T) {
	s, err := New(testConfig(t), Dependencies{Source: &stubSource{}, Writers: fileWriters{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	rec := httptest.NewRecorder()
	s.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", rec.Code)
	}

	startService(t, s)
	waitFor(t, "camera open", func() bool { return s.worker.IsOpen() })

	rec = httptest.NewRecorder()
	s.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 while running, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `canrec_camera_open{instance="test-01"} 1`) {
		t.Errorf("Unexpected metrics:\n%s", rec.Body.String())
	}
}

func TestControlShutdownCancelsRun(t *testing.T) {
	s, err := New(testConfig(t), Dependencies{Source: &stubSource{}, Writers: fileWriters{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.shutdownViaControl(); err == nil {
		t.Error("Expected error before Run")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	waitFor(t, "running", func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.cancelCtx != nil
	})

	if err := s.shutdownViaControl(); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown command")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
