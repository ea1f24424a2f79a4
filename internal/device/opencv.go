// Package device adapts real capture devices and encoders to the capture
// contracts: OpenCV for local cameras, files and IP cameras, GStreamer for URL
// pipelines.
package device

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/e7canasta/canrec/internal/capture"
	"github.com/e7canasta/canrec/internal/types"
	"gocv.io/x/gocv"
)

// OpenCVSource reads frames through gocv.VideoCapture.
//
// Read, IsOpened and Close are called from the capture loop only. Properties
// may be called from any goroutine and returns values cached by the loop.
type OpenCVSource struct {
	target interface{} // int index or URL string
	id     string

	cap *gocv.VideoCapture
	mat gocv.Mat

	mu    sync.Mutex
	props capture.Properties
}

// NewOpenCVSource creates a source for a device index
func NewOpenCVSource(index int) *OpenCVSource {
	return &OpenCVSource{target: index, id: strconv.Itoa(index)}
}

// NewOpenCVURLSource creates a source for an rtsp/http(s) URL or a file
func NewOpenCVURLSource(url string) *OpenCVSource {
	return &OpenCVSource{target: url, id: url}
}

func (s *OpenCVSource) ID() string { return s.id }

func (s *OpenCVSource) Open(ctx context.Context) error {
	if s.cap != nil {
		return fmt.Errorf("device %s already open", s.id)
	}
	vc, err := gocv.OpenVideoCapture(s.target)
	if err != nil {
		return err
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("device %s did not open", s.id)
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	s.cap = vc
	s.mat = gocv.NewMat()
	s.storeProps(capture.Properties{
		Width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
		FPS:    vc.Get(gocv.VideoCaptureFPS),
	})
	return nil
}

func (s *OpenCVSource) Read(ctx context.Context) (types.Frame, error) {
	if s.cap == nil {
		return types.Frame{}, fmt.Errorf("device %s: %w", s.id, types.ErrDeviceLost)
	}
	if ok := s.cap.Read(&s.mat); !ok {
		if !s.cap.IsOpened() {
			return types.Frame{}, fmt.Errorf("device %s closed: %w", s.id, types.ErrDeviceLost)
		}
		return types.Frame{}, errors.New("read returned no frame")
	}
	if s.mat.Empty() {
		return types.Frame{}, errors.New("empty frame")
	}

	bgr := s.mat
	if s.mat.Channels() != 3 {
		converted := gocv.NewMat()
		defer converted.Close()
		gocv.CvtColor(s.mat, &converted, gocv.ColorGrayToBGR)
		bgr = converted
	}

	w, h := bgr.Cols(), bgr.Rows()
	s.storeProps(capture.Properties{Width: w, Height: h, FPS: s.cap.Get(gocv.VideoCaptureFPS)})

	return types.Frame{
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Data:      bgr.ToBytes(),
		Source:    s.id,
	}, nil
}

func (s *OpenCVSource) Properties() capture.Properties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props
}

func (s *OpenCVSource) IsOpened() bool {
	return s.cap != nil && s.cap.IsOpened()
}

func (s *OpenCVSource) Close() error {
	if s.cap == nil {
		return nil
	}
	s.mat.Close()
	err := s.cap.Close()
	s.cap = nil
	return err
}

func (s *OpenCVSource) storeProps(p capture.Properties) {
	s.mu.Lock()
	s.props = p
	s.mu.Unlock()
}

// OpenCVWriters opens gocv.VideoWriter encoders
type OpenCVWriters struct{}

// Open creates a writer for codec (a FourCC such as mp4v or XVID)
func (OpenCVWriters) Open(path, codec string, props capture.Properties) (capture.ArtifactWriter, error) {
	vw, err := gocv.VideoWriterFile(path, codec, props.FPS, props.Width, props.Height, true)
	if err != nil {
		return nil, err
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("encoder %s did not open %s", codec, path)
	}
	return &openCVWriter{vw: vw, path: path, width: props.Width, height: props.Height}, nil
}

type openCVWriter struct {
	vw     *gocv.VideoWriter
	path   string
	width  int
	height int
}

func (w *openCVWriter) Write(frame types.Frame) error {
	if !frame.Valid() {
		return fmt.Errorf("invalid frame %dx%d (%d bytes)", frame.Width, frame.Height, len(frame.Data))
	}
	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return err
	}
	defer mat.Close()

	// The device may renegotiate its geometry mid-recording
	if frame.Width != w.width || frame.Height != w.height {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(mat, &resized, image.Pt(w.width, w.height), 0, 0, gocv.InterpolationLinear)
		return w.vw.Write(resized)
	}
	return w.vw.Write(mat)
}

func (w *openCVWriter) Finalize() (int64, error) {
	if err := w.vw.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (w *openCVWriter) Abandon() {
	if err := w.vw.Close(); err != nil {
		slog.Debug("device: abandon writer", "path", w.path, "error", err)
	}
}

// ScanCameras probes device indexes [0, max) and returns those that open and
// deliver a frame.
func ScanCameras(max int) []int {
	var found []int
	for i := 0; i < max; i++ {
		vc, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		mat := gocv.NewMat()
		if vc.IsOpened() && vc.Read(&mat) && !mat.Empty() {
			found = append(found, i)
		}
		mat.Close()
		vc.Close()
	}
	slog.Debug("device: camera scan complete", "probed", max, "found", found)
	return found
}
