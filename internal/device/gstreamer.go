package device

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
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var gstInit sync.Once

// GstConfig configures a GStreamer URL source
type GstConfig struct {
	URL    string
	Width  int
	Height int
	FPS    float64
	// ReadTimeout bounds a single Read
	ReadTimeout time.Duration
}

// GstSource decodes any URI GStreamer understands into BGR frames:
// uridecodebin ! videoconvert ! videoscale ! capsfilter ! appsink
type GstSource struct {
	cfg GstConfig

	pipeline *gst.Pipeline
	sink     *app.Sink
	frames   chan types.Frame
	cancel   context.CancelFunc
	done     chan struct{}

	opened    atomic.Bool
	lastError atomic.Value // string
	dropped   atomic.Uint64
}

// NewGstSource creates a source; the pipeline is built on Open
func NewGstSource(cfg GstConfig) *GstSource {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	return &GstSource{cfg: cfg}
}

func (s *GstSource) ID() string { return s.cfg.URL }

func (s *GstSource) Open(ctx context.Context) error {
	if s.pipeline != nil {
		return fmt.Errorf("pipeline for %s already running", s.cfg.URL)
	}
	gstInit.Do(func() { gst.Init(nil) })

	pipeline, sink, err := s.build()
	if err != nil {
		return err
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	monCtx, cancel := context.WithCancel(context.Background())
	s.pipeline = pipeline
	s.sink = sink
	s.cancel = cancel
	s.done = make(chan struct{})
	s.opened.Store(true)

	go s.monitor(monCtx)

	slog.Info("device: gstreamer pipeline playing",
		"url", s.cfg.URL,
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
	)
	return nil
}

func (s *GstSource) build() (*gst.Pipeline, *app.Sink, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("uridecodebin")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create uridecodebin: %w", err)
	}
	src.SetProperty("uri", s.cfg.URL)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoscale: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=BGR,width=%d,height=%d", s.cfg.Width, s.cfg.Height,
	)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	s.frames = make(chan types.Frame, 1)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	pipeline.AddMany(src, convert, scale, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(convert, scale, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to link pipeline: %w", err)
	}

	// uridecodebin exposes its pads once the stream type is known
	src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := convert.GetStaticPad("sink")
		if sinkPad == nil || sinkPad.IsLinked() {
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Debug("device: pad not linked", "pad", srcPad.GetName(), "result", ret)
		}
	})

	return pipeline, sink, nil
}

func (s *GstSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	frame := types.Frame{
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      frameData,
		Source:    s.cfg.URL,
	}

	// Keep only the newest frame
	select {
	case s.frames <- frame:
	default:
		select {
		case <-s.frames:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.frames <- frame:
		default:
		}
	}
	return gst.FlowOK
}

// monitor watches the pipeline bus and marks the source closed on EOS or error
func (s *GstSource) monitor(ctx context.Context) {
	defer close(s.done)
	bus := s.pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("device: end of stream", "url", s.cfg.URL)
			s.lastError.Store("end of stream")
			s.opened.Store(false)
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			slog.Error("device: pipeline error",
				"url", s.cfg.URL,
				"category", category.String(),
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			s.lastError.Store(fmt.Sprintf("%s error: %s", category, gerr.Error()))
			s.opened.Store(false)
			return
		}
	}
}

func (s *GstSource) Read(ctx context.Context) (types.Frame, error) {
	t := time.NewTimer(s.cfg.ReadTimeout)
	defer t.Stop()

	select {
	case frame := <-s.frames:
		return frame, nil
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	case <-s.done:
		msg, _ := s.lastError.Load().(string)
		return types.Frame{}, fmt.Errorf("pipeline stopped (%s): %w", msg, types.ErrDeviceLost)
	case <-t.C:
		return types.Frame{}, errors.New("no frame within read timeout")
	}
}

func (s *GstSource) Properties() capture.Properties {
	return capture.Properties{Width: s.cfg.Width, Height: s.cfg.Height, FPS: s.cfg.FPS}
}

func (s *GstSource) IsOpened() bool {
	return s.opened.Load()
}

func (s *GstSource) Close() error {
	if s.pipeline == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(time.Second):
		slog.Warn("device: pipeline monitor did not stop in time", "url", s.cfg.URL)
	}
	err := s.pipeline.SetState(gst.StateNull)
	s.opened.Store(false)
	s.pipeline = nil
	s.sink = nil
	slog.Debug("device: gstreamer pipeline stopped", "url", s.cfg.URL, "frames_dropped", s.dropped.Load())
	return err
}
