package types

import "time"

// EventKind enumerates the events delivered to the recording controller
type EventKind int

const (
	// EventBeginRecording asks for a recording to start
	EventBeginRecording EventKind = iota
	// EventEndRecording asks for the active recording to stop and be finalized
	EventEndRecording
	// EventDeviceError reports a capture-side failure
	EventDeviceError
	// EventBusError reports a bus-side failure
	EventBusError
	// EventStatusChanged carries a status notification produced by a worker
	EventStatusChanged
)

// String returns a human-readable name for the event kind
func (k EventKind) String() string {
	switch k {
	case EventBeginRecording:
		return "BeginRecording"
	case EventEndRecording:
		return "EndRecording"
	case EventDeviceError:
		return "DeviceError"
	case EventBusError:
		return "BusError"
	case EventStatusChanged:
		return "StatusChanged"
	default:
		return "Unknown"
	}
}

// Event sources
const (
	SourceBus     = "bus"
	SourceCamera  = "camera"
	SourceControl = "control"
	SourceSystem  = "system"
)

// Event is a single message on the controller mailbox
type Event struct {
	Kind EventKind
	// Source names the producer (bus, camera, control, system)
	Source string
	// Label is the decoded stop label (EndRecording only)
	Label string
	// Err carries the failure for DeviceError and BusError
	Err error
	// Status carries the notification for StatusChanged
	Status Status
	// At is when the event was produced
	At time.Time
}

// BeginRecording builds a BeginRecording event
func BeginRecording(source string) Event {
	return Event{Kind: EventBeginRecording, Source: source, At: time.Now()}
}

// EndRecording builds an EndRecording event carrying label
func EndRecording(source, label string) Event {
	return Event{Kind: EventEndRecording, Source: source, Label: label, At: time.Now()}
}

// DeviceError builds a DeviceError event
func DeviceError(err error) Event {
	return Event{Kind: EventDeviceError, Source: SourceCamera, Err: err, At: time.Now()}
}

// BusError builds a BusError event
func BusError(err error) Event {
	return Event{Kind: EventBusError, Source: SourceBus, Err: err, At: time.Now()}
}

// StatusChanged wraps a status notification produced by source
func StatusChanged(source string, s Status) Event {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	return Event{Kind: EventStatusChanged, Source: source, Status: s, At: s.Timestamp}
}

// Sink accepts events. Implementations must not block the caller.
type Sink interface {
	Submit(ev Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ev Event)

// Submit calls f(ev)
func (f SinkFunc) Submit(ev Event) { f(ev) }
