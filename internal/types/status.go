package types

import (
	"encoding/json"
	"time"
)

// StatusKind enumerates the notifications consumed by the presentation layer
type StatusKind string

const (
	StatusBusConnection    StatusKind = "bus_connection"
	StatusCameraState      StatusKind = "camera_state"
	StatusRecordingStarted StatusKind = "recording_started"
	StatusRecordingStopped StatusKind = "recording_stopped"
	StatusCameraError      StatusKind = "camera_error"
	StatusBusError         StatusKind = "bus_error"
	StatusCommandIgnored   StatusKind = "command_ignored"
)

// Status is one notification. Path is meaningful for recording_stopped, where
// an empty value means the recording produced no artifact.
type Status struct {
	Kind StatusKind `json:"kind"`
	// Connected is the bus link state (bus_connection) or camera open state (camera_state)
	Connected bool `json:"connected"`
	// SessionID identifies the recording session (recording_started/stopped)
	SessionID string `json:"session_id,omitempty"`
	// Path is the finalized artifact path (recording_stopped)
	Path string `json:"path"`
	// Message is a human-readable description
	Message string `json:"message,omitempty"`
	// ErrorKind classifies camera_error and bus_error notifications
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ToJSON serializes the notification
func (s Status) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// Observer receives status notifications from the controller
type Observer interface {
	OnStatus(s Status)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(s Status)

// OnStatus calls f(s)
func (f ObserverFunc) OnStatus(s Status) { f(s) }
