package device

import (
	"log/slog"

	"github.com/e7canasta/canrec/internal/capture"
	"github.com/e7canasta/canrec/internal/config"
)

// NewSource returns the frame source selected by the camera configuration
func NewSource(c config.CameraConfig) capture.FrameSource {
	switch {
	case c.Backend == "gst":
		slog.Info("device: using gstreamer backend", "url", c.DeviceURL)
		return NewGstSource(GstConfig{
			URL:    c.DeviceURL,
			Width:  c.Width,
			Height: c.Height,
			FPS:    c.FallbackFPS,
		})
	case c.UsesURL():
		slog.Info("device: using opencv backend", "url", c.DeviceURL)
		return NewOpenCVURLSource(c.DeviceURL)
	default:
		slog.Info("device: using opencv backend", "index", c.DeviceIndex)
		return NewOpenCVSource(c.DeviceIndex)
	}
}

// NewWriters returns the artifact writer factory
func NewWriters() capture.WriterFactory {
	return OpenCVWriters{}
}
