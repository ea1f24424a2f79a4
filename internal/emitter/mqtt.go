package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/canrec/internal/config"
	"github.com/e7canasta/canrec/internal/types"
)

const queueSize = 64

// MQTTEmitter publishes status notifications to the MQTT broker.
// OnStatus never blocks: notifications are queued and published by a
// background goroutine, and dropped when the queue is full.
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // shared with the control plane

	queue     chan types.Status
	done      chan struct{}
	stopped   chan struct{}
	running   atomic.Bool
	closeOnce sync.Once

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	dropped   uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		queue:     make(chan types.Status, queueSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection and starts publishing
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connection cancelled: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	e.start()
	return nil
}

func (e *MQTTEmitter) start() {
	if e.running.CompareAndSwap(false, true) {
		go e.publishLoop()
	}
}

// OnStatus queues s for publication. It implements types.Observer.
func (e *MQTTEmitter) OnStatus(s types.Status) {
	select {
	case <-e.done:
		return
	default:
	}

	select {
	case e.queue <- s:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		slog.Warn("emitter: queue full, dropping status", "kind", string(s.Kind))
	}
}

func (e *MQTTEmitter) publishLoop() {
	defer close(e.stopped)
	for {
		select {
		case s := <-e.queue:
			e.publish(s)
		case <-e.done:
			// flush what is already queued
			for {
				select {
				case s := <-e.queue:
					e.publish(s)
				default:
					return
				}
			}
		}
	}
}

// publish sends one status to <status topic>/<kind>
func (e *MQTTEmitter) publish(s types.Status) {
	if !e.isConnected() {
		e.countError()
		slog.Debug("emitter: not connected, status not published", "kind", string(s.Kind))
		return
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Status, s.Kind)
	qos := e.cfg.MQTT.QoS["status"]

	payload, err := s.ToJSON()
	if err != nil {
		e.countError()
		slog.Error("emitter: failed to marshal status", "kind", string(s.Kind), "error", err)
		return
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		slog.Warn("emitter: publish timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		e.countError()
		slog.Warn("emitter: publish failed", "topic", topic, "error", err)
		return
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("emitter: status published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)
}

// Disconnect flushes queued notifications and closes the connection
func (e *MQTTEmitter) Disconnect() error {
	e.closeOnce.Do(func() { close(e.done) })

	if e.running.Load() {
		select {
		case <-e.stopped:
		case <-time.After(time.Second):
			slog.Warn("emitter: queue not flushed in time", "pending", len(e.queue))
		}
	}

	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}

	e.setConnected(false)
	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Dropped   uint64            `json:"dropped"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Dropped:   e.dropped,
		Errors:    e.errors,
	}
}

// IsConnected reports the broker connection state
func (e *MQTTEmitter) IsConnected() bool {
	return e.isConnected()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
