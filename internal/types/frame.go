package types

import (
	"fmt"
	"strings"
	"time"
)

// Frame represents a single captured video frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the capture loop
	Seq uint64
	// Timestamp is when the frame was read from the device
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the pixel data (BGR24, Width*Height*3 bytes)
	Data []byte
	// Source identifies the device the frame came from
	Source string
}

// Valid reports whether the frame carries pixel data with positive dimensions
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Data) >= f.Width*f.Height*3
}

// MaxBusPayload is the largest payload a classic bus frame can carry
const MaxBusPayload = 8

// BusFrame is one frame received from the control bus
type BusFrame struct {
	// ID is the arbitration identifier
	ID uint32
	// Length is the data length code (0-8)
	Length uint8
	// Data holds the payload; only the first Length bytes are meaningful
	Data [MaxBusPayload]byte
	// Extended marks 29-bit identifiers
	Extended bool
	// ReceivedAt is when the transport handed the frame over
	ReceivedAt time.Time
}

// NewBusFrame builds a BusFrame from a payload slice, truncating to 8 bytes
func NewBusFrame(id uint32, payload []byte) BusFrame {
	f := BusFrame{ID: id, ReceivedAt: time.Now()}
	n := copy(f.Data[:], payload)
	f.Length = uint8(n)
	return f
}

// Payload returns the meaningful payload bytes
func (f BusFrame) Payload() []byte {
	n := int(f.Length)
	if n > MaxBusPayload {
		n = MaxBusPayload
	}
	return f.Data[:n]
}

// LogLine renders the frame as a fixed-width traffic line (identifier, length, hex payload)
func (f BusFrame) LogLine() string {
	return fmt.Sprintf("ID: %-5X DLC: %d Data: %-18s",
		f.ID, f.Length, strings.ToUpper(fmt.Sprintf("%x", f.Payload())))
}
