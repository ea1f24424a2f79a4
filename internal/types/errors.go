package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the recorder. Call sites wrap these with context
// using fmt.Errorf("...: %w", kind) so errors.Is keeps working.
var (
	// ErrDeviceUnavailable is returned when the capture device cannot be opened
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrDeviceLost is reported when an open device disconnects mid-stream
	ErrDeviceLost = errors.New("device lost")

	// ErrRecordingPrecondition is returned when a recording cannot start
	ErrRecordingPrecondition = errors.New("recording precondition failed")

	// ErrWriterFailure is reported when the encoder fails to open, append or finalize
	ErrWriterFailure = errors.New("writer failure")

	// ErrBusConfiguration is returned for missing or invalid bus settings
	ErrBusConfiguration = errors.New("bus configuration error")

	// ErrBusConnection is returned when the bus transport cannot be opened or drops
	ErrBusConnection = errors.New("bus connection error")

	// ErrBusDispatch is reported when handling a single bus frame fails
	ErrBusDispatch = errors.New("bus dispatch error")
)

// Recording precondition failures
var (
	ErrAlreadyRecording = fmt.Errorf("%w: already recording", ErrRecordingPrecondition)
	ErrDeviceNotReady   = fmt.Errorf("%w: device not open", ErrRecordingPrecondition)
	ErrInvalidSaveDir   = fmt.Errorf("%w: save directory invalid", ErrRecordingPrecondition)
)

// ErrorKind names the class of an error for status notifications
type ErrorKind string

const (
	KindDeviceUnavailable     ErrorKind = "DeviceUnavailable"
	KindDeviceLost            ErrorKind = "DeviceLost"
	KindRecordingPrecondition ErrorKind = "RecordingPreconditionFailed"
	KindWriterFailure         ErrorKind = "WriterFailure"
	KindBusConfiguration      ErrorKind = "BusConfigurationError"
	KindBusConnection         ErrorKind = "BusConnectionError"
	KindBusDispatch           ErrorKind = "BusDispatchError"
	KindUnknown               ErrorKind = "Unknown"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrDeviceUnavailable, KindDeviceUnavailable},
	{ErrDeviceLost, KindDeviceLost},
	{ErrRecordingPrecondition, KindRecordingPrecondition},
	{ErrWriterFailure, KindWriterFailure},
	{ErrBusConfiguration, KindBusConfiguration},
	{ErrBusConnection, KindBusConnection},
	{ErrBusDispatch, KindBusDispatch},
}

// KindOf classifies err by the first matching error kind
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}
