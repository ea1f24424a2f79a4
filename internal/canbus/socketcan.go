package canbus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/canrec/internal/types"
	"go.einride.tech/can/pkg/socketcan"
)

// socketCANTransport reads raw frames from a Linux SocketCAN interface
type socketCANTransport struct {
	channel string
	recv    *socketcan.Receiver
	closed  atomic.Bool
}

// DialSocketCAN opens cfg.Channel (e.g. can0). The link bitrate is set with
// `ip link` before the interface comes up, so cfg.Bitrate is not applied here.
func DialSocketCAN(ctx context.Context, cfg Config) (Transport, error) {
	if cfg.Channel == "" {
		return nil, fmt.Errorf("%w: socketcan requires a channel", types.ErrBusConfiguration)
	}
	conn, err := socketcan.DialContext(ctx, "can", cfg.Channel)
	if err != nil {
		return nil, err
	}
	if cfg.Bitrate > 0 {
		slog.Info("canbus: socketcan bitrate is set on the link, configured value not applied",
			"channel", cfg.Channel,
			"bitrate", cfg.Bitrate,
		)
	}
	return &socketCANTransport{channel: cfg.Channel, recv: socketcan.NewReceiver(conn)}, nil
}

func (t *socketCANTransport) Receive() (types.BusFrame, error) {
	for t.recv.Receive() {
		if t.recv.HasErrorFrame() {
			slog.Debug("canbus: error frame received", "channel", t.channel)
			continue
		}
		f := t.recv.Frame()
		return types.BusFrame{
			ID:         f.ID,
			Length:     f.Length,
			Data:       [types.MaxBusPayload]byte(f.Data),
			Extended:   f.IsExtended,
			ReceivedAt: time.Now(),
		}, nil
	}
	if t.closed.Load() {
		return types.BusFrame{}, ErrClosed
	}
	if err := t.recv.Err(); err != nil {
		return types.BusFrame{}, err
	}
	return types.BusFrame{}, io.EOF
}

func (t *socketCANTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.recv.Close()
}
