// Package command turns bus frames into recording commands.
package command

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/e7canasta/canrec/internal/types"
)

// Placeholder labels
const (
	// LabelEmpty is used when the stop payload carries no text
	LabelEmpty = "EventDataEmpty"
	// LabelPayloadError is used when the frame itself is malformed
	LabelPayloadError = "PayloadError"
)

// Config holds the command identifiers
type Config struct {
	BeginID uint32
	EndID   uint32
	// LogTraffic logs every frame at Info instead of Debug
	LogTraffic bool
}

// Stats contains interpreter counters
type Stats struct {
	Frames uint64 `json:"frames"`
	Begins uint64 `json:"begins"`
	Ends   uint64 `json:"ends"`
	Other  uint64 `json:"other"`
}

// Interpreter maps frames to BeginRecording and EndRecording events.
// It implements canbus.Handler and never blocks on the sink.
type Interpreter struct {
	cfg  Config
	sink types.Sink

	frames atomic.Uint64
	begins atomic.Uint64
	ends   atomic.Uint64
	other  atomic.Uint64
}

// New creates an interpreter posting events to sink
func New(cfg Config, sink types.Sink) *Interpreter {
	return &Interpreter{cfg: cfg, sink: sink}
}

// HandleFrame interprets one frame. Every frame is logged as a traffic line.
func (i *Interpreter) HandleFrame(f types.BusFrame) {
	i.frames.Add(1)

	level := slog.LevelDebug
	if i.cfg.LogTraffic {
		level = slog.LevelInfo
	}
	slog.Log(context.Background(), level, "command: "+f.LogLine())

	switch f.ID {
	case i.cfg.BeginID:
		i.begins.Add(1)
		i.sink.Submit(types.BeginRecording(types.SourceBus))

	case i.cfg.EndID:
		i.ends.Add(1)
		label := LabelPayloadError
		if int(f.Length) <= types.MaxBusPayload {
			label = DecodeLabel(f.Payload())
		}
		slog.Debug("command: end recording", "label", label)
		i.sink.Submit(types.EndRecording(types.SourceBus, label))

	default:
		i.other.Add(1)
	}
}

// Stats returns interpreter counters
func (i *Interpreter) Stats() Stats {
	return Stats{
		Frames: i.frames.Load(),
		Begins: i.begins.Load(),
		Ends:   i.ends.Load(),
		Other:  i.other.Load(),
	}
}

// DecodeLabel extracts the stop label: bytes up to the first NUL, decoded as
// UTF-8 with each invalid byte replaced by U+FFFD, surrounding whitespace
// trimmed. An empty result yields LabelEmpty.
func DecodeLabel(payload []byte) string {
	if n := bytes.IndexByte(payload, 0); n >= 0 {
		payload = payload[:n]
	}
	label := strings.TrimSpace(string(bytes.Runes(payload)))
	if label == "" {
		return LabelEmpty
	}
	return label
}
