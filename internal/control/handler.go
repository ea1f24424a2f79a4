// Package control implements the MQTT operator control plane: commands arrive
// as JSON on the control topic and replies go to <control>/response.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/canrec/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus        func() map[string]interface{}
	OnBeginRecording   func() error
	OnEndRecording     func(label string) error
	OnSetSaveDirectory func(dir string) error
	OnShutdown         func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	commands chan Command
	quit     chan struct{}
	stopOnce sync.Once

	callbacks CommandCallbacks

	// shutdownDelay lets the response leave before the shutdown callback runs
	shutdownDelay time.Duration
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:           cfg,
		client:        client,
		commands:      make(chan Command, 10),
		quit:          make(chan struct{}),
		callbacks:     callbacks,
		shutdownDelay: 500 * time.Millisecond,
	}
}

// Start subscribes to the control topic and starts processing commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes and stops processing. It is safe to call more than once.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
			token.WaitTimeout(2 * time.Second)
		}
		close(h.quit)
		slog.Info("control: handler stopped")
	})
	return nil
}

// messageHandler is called by the MQTT client for each control message
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	select {
	case <-h.quit:
		return
	default:
	}

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
		h.sendResponse(Response{
			CommandAck: cmd.Command,
			Status:     "error",
			Error:      "command queue full",
		})
	}
}

// processCommands executes queued commands one at a time
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.quit:
			return
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command and publishes its response
func (h *Handler) handleCommand(cmd Command) {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			notImplemented(&resp)
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "begin_recording":
		if h.callbacks.OnBeginRecording == nil {
			notImplemented(&resp)
			break
		}
		if err := h.callbacks.OnBeginRecording(); err != nil {
			fail(&resp, err)
			break
		}
		resp.Status = "accepted"
		resp.Data = map[string]interface{}{
			"message": "begin recording queued",
		}

	case "end_recording":
		if h.callbacks.OnEndRecording == nil {
			notImplemented(&resp)
			break
		}
		// label is optional; an empty one gets the placeholder label
		label, _ := cmd.Params["label"].(string)
		if err := h.callbacks.OnEndRecording(label); err != nil {
			fail(&resp, err)
			break
		}
		resp.Status = "accepted"
		resp.Data = map[string]interface{}{
			"label":   label,
			"message": "end recording queued",
		}

	case "set_save_directory":
		if h.callbacks.OnSetSaveDirectory == nil {
			notImplemented(&resp)
			break
		}
		dir, ok := cmd.Params["path"].(string)
		if !ok || dir == "" {
			resp.Status = "error"
			resp.Error = "missing or invalid 'path' parameter (expected string)"
			break
		}
		if err := h.callbacks.OnSetSaveDirectory(dir); err != nil {
			fail(&resp, err)
			break
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"save_directory": dir,
		}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			notImplemented(&resp)
			break
		}
		slog.Warn("control: shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}
		// Send response BEFORE triggering shutdown
		h.sendResponse(resp)

		go func() {
			time.Sleep(h.shutdownDelay)
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("control: shutdown callback failed", "error", err)
			}
		}()
		return

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

func notImplemented(resp *Response) {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
}

func fail(resp *Response, err error) {
	resp.Status = "error"
	resp.Error = err.Error()
}

// sendResponse publishes a response on the response topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.ResponseTopic()
	qos := h.cfg.MQTT.QoS["control"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
