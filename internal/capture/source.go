package capture

import (
	"context"
	"log/slog"
	"math"

	"github.com/e7canasta/canrec/internal/types"
)

// Properties describes the nominal output of an open device
type Properties struct {
	Width  int
	Height int
	FPS    float64
}

// Valid reports whether both dimensions are positive
func (p Properties) Valid() bool {
	return p.Width > 0 && p.Height > 0
}

// FrameSource abstracts a capture device.
//
// Read blocks for at most one frame interval. A transient failure is returned
// as an ordinary error; a disconnected device either returns an error wrapping
// types.ErrDeviceLost or reports IsOpened() == false afterwards.
type FrameSource interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (types.Frame, error)
	Properties() Properties
	IsOpened() bool
	Close() error
	// ID names the device (index or URL) for logs and frame metadata
	ID() string
}

// ArtifactWriter is an encoder bound to one temporary file
type ArtifactWriter interface {
	// Write appends one frame
	Write(frame types.Frame) error
	// Finalize flushes and closes the container and returns the file size in bytes
	Finalize() (int64, error)
	// Abandon releases the encoder without committing; the caller removes the file
	Abandon()
}

// WriterFactory opens ArtifactWriters for a given codec
type WriterFactory interface {
	Open(path, codec string, props Properties) (ArtifactWriter, error)
}

// Publisher receives a displayable copy of every captured frame
type Publisher interface {
	Publish(frame types.Frame)
}

// normalizeFPS replaces rates outside (0, 120] with fallback
func normalizeFPS(fps, fallback float64, device string) float64 {
	if fps > 0 && fps <= 120 && !math.IsNaN(fps) {
		return fps
	}
	slog.Warn("capture: device reported unusable frame rate, using fallback",
		"device", device,
		"reported_fps", fps,
		"fallback_fps", fallback,
	)
	return fallback
}
