package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/canrec/internal/types"
)

// fakeSource produces small synthetic frames. After failAfter frames (when > 0)
// every read fails; with lose set the device also reports closed.
type fakeSource struct {
	mu        sync.Mutex
	props     Properties
	lateProps bool // report zero geometry until the settle retry
	openErr   error
	failAfter int
	lose      bool
	gate      chan struct{} // when set, reads block until it is closed
	closing   chan struct{} // when set, closed as Close begins
	hold      chan struct{} // when set, Close blocks until it is closed
	opened    bool
	reads     int
	queries   int
	closes    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{props: Properties{Width: 4, Height: 2, FPS: 120}}
}

func (s *fakeSource) ID() string { return "fake0" }

func (s *fakeSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opened = true
	return nil
}

func (s *fakeSource) Read(ctx context.Context) (types.Frame, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return types.Frame{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return types.Frame{}, errors.New("not opened")
	}
	if s.failAfter > 0 && s.reads >= s.failAfter {
		if s.lose {
			s.opened = false
		}
		return types.Frame{}, errors.New("read failed")
	}
	s.reads++
	return types.Frame{
		Width:     s.props.Width,
		Height:    s.props.Height,
		Data:      make([]byte, s.props.Width*s.props.Height*3),
		Timestamp: time.Now(),
	}, nil
}

func (s *fakeSource) Properties() Properties {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.lateProps && s.queries == 1 {
		return Properties{}
	}
	return s.props
}

func (s *fakeSource) IsOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *fakeSource) Close() error {
	if s.closing != nil {
		close(s.closing)
	}
	if s.hold != nil {
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	s.closes++
	return nil
}

func (s *fakeSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// fakeWriter appends bytesPerFrame bytes per frame to a real file
type fakeWriter struct {
	factory *fakeWriters
	file    *os.File
	written int
}

func (w *fakeWriter) Write(frame types.Frame) error {
	f := w.factory
	f.mu.Lock()
	failAt := f.failWriteAt
	f.mu.Unlock()
	if failAt > 0 && w.written+1 >= failAt {
		return errors.New("disk full")
	}
	if _, err := w.file.Write(make([]byte, f.bytesPerFrame)); err != nil {
		return err
	}
	w.written++
	f.mu.Lock()
	f.frames++
	f.mu.Unlock()
	return nil
}

func (w *fakeWriter) Finalize() (int64, error) {
	w.factory.mu.Lock()
	w.factory.finalized++
	w.factory.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(w.file.Name())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (w *fakeWriter) Abandon() {
	w.factory.mu.Lock()
	w.factory.abandoned++
	w.factory.mu.Unlock()
	w.file.Close()
}

type fakeWriters struct {
	mu            sync.Mutex
	bytesPerFrame int
	rejectCodecs  map[string]bool
	failWriteAt   int
	codecsTried   []string
	opened        int
	finalized     int
	abandoned     int
	frames        int
}

func newFakeWriters() *fakeWriters {
	return &fakeWriters{bytesPerFrame: 100, rejectCodecs: map[string]bool{}}
}

func (f *fakeWriters) Open(path, codec string, props Properties) (ArtifactWriter, error) {
	f.mu.Lock()
	f.codecsTried = append(f.codecsTried, codec)
	reject := f.rejectCodecs[codec]
	f.mu.Unlock()
	if reject {
		// leave a partial file behind like a real encoder would
		os.WriteFile(path, []byte("x"), 0o644)
		return nil, fmt.Errorf("codec %s unavailable", codec)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
	return &fakeWriter{factory: f, file: file}, nil
}

func (f *fakeWriters) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

// recordingSink collects events
type recordingSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *recordingSink) Submit(ev types.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) statuses(kind types.StatusKind) []types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Status
	for _, ev := range s.events {
		if ev.Kind == types.EventStatusChanged && ev.Status.Kind == kind {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (s *recordingSink) deviceErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []error
	for _, ev := range s.events {
		if ev.Kind == types.EventDeviceError {
			out = append(out, ev.Err)
		}
	}
	return out
}

var fixedDate = time.Date(2024, 1, 1, 12, 30, 45, 123_000_000, time.UTC)

func testConfig(dir string) Config {
	return Config{
		SaveDir:     dir,
		ReadBackoff: time.Millisecond,
		SettleDelay: time.Millisecond,
		MinPacing:   time.Millisecond,
		JoinTimeout: time.Second,
		Clock:       func() time.Time { return fixedDate },
	}
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

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
