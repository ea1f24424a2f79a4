package canbus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/canrec/internal/types"
)

// MQTTSettings configures the CAN-over-MQTT gateway transport
type MQTTSettings struct {
	Broker      string
	ClientID    string
	TopicPrefix string // frames are read from <TopicPrefix>/<channel>
	QoS         byte
}

// GatewayFrame is the JSON shape a gateway publishes for each received frame
type GatewayFrame struct {
	ID       uint32 `json:"id"`
	Data     string `json:"data"` // hex, spaces allowed
	Extended bool   `json:"extended,omitempty"`
}

// DecodeGatewayFrame parses one gateway message
func DecodeGatewayFrame(payload []byte) (types.BusFrame, error) {
	var gf GatewayFrame
	if err := json.Unmarshal(payload, &gf); err != nil {
		return types.BusFrame{}, fmt.Errorf("invalid gateway frame: %w", err)
	}
	data, err := hex.DecodeString(strings.ReplaceAll(gf.Data, " ", ""))
	if err != nil {
		return types.BusFrame{}, fmt.Errorf("invalid gateway payload %q: %w", gf.Data, err)
	}
	if len(data) > types.MaxBusPayload {
		return types.BusFrame{}, fmt.Errorf("gateway payload has %d bytes, max %d", len(data), types.MaxBusPayload)
	}
	if gf.ID > 0x1FFFFFFF {
		return types.BusFrame{}, fmt.Errorf("gateway frame id %X out of range", gf.ID)
	}
	frame := types.NewBusFrame(gf.ID, data)
	frame.Extended = gf.Extended || gf.ID > 0x7FF
	return frame, nil
}

type mqttTransport struct {
	client mqtt.Client
	topic  string

	frames    chan types.BusFrame
	failed    chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// MQTTDialer returns a Dialer that subscribes to a gateway topic. The client
// does not reconnect on its own: a lost broker connection ends the session.
func MQTTDialer(s MQTTSettings) Dialer {
	return func(ctx context.Context, cfg Config) (Transport, error) {
		if s.Broker == "" {
			return nil, fmt.Errorf("%w: mqtt broker is required", types.ErrBusConfiguration)
		}
		t := &mqttTransport{
			topic:  strings.TrimSuffix(s.TopicPrefix, "/") + "/" + cfg.Channel,
			frames: make(chan types.BusFrame, 64),
			failed: make(chan error, 1),
			closed: make(chan struct{}),
		}

		opts := mqtt.NewClientOptions()
		opts.AddBroker(fmt.Sprintf("tcp://%s", s.Broker))
		opts.SetClientID(s.ClientID)
		opts.SetAutoReconnect(false)
		opts.SetOrderMatters(true)
		opts.OnConnectionLost = func(c mqtt.Client, err error) {
			select {
			case t.failed <- fmt.Errorf("broker connection lost: %w", err):
			default:
			}
		}

		t.client = mqtt.NewClient(opts)
		token := t.client.Connect()
		if !waitToken(ctx, token, 5*time.Second) {
			return nil, fmt.Errorf("mqtt connection timeout")
		}
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("mqtt connection failed: %w", err)
		}

		sub := t.client.Subscribe(t.topic, s.QoS, t.onMessage)
		if !waitToken(ctx, sub, 5*time.Second) || sub.Error() != nil {
			t.client.Disconnect(250)
			return nil, fmt.Errorf("mqtt subscribe %s failed: %v", t.topic, sub.Error())
		}

		slog.Info("canbus: gateway subscribed",
			"broker", s.Broker,
			"topic", t.topic,
		)
		if cfg.Bitrate > 0 {
			slog.Debug("canbus: bitrate is owned by the gateway", "bitrate", cfg.Bitrate)
		}
		return t, nil
	}
}

// onMessage runs on the paho router goroutine; frames keep broker order
func (t *mqttTransport) onMessage(c mqtt.Client, msg mqtt.Message) {
	frame, err := DecodeGatewayFrame(msg.Payload())
	if err != nil {
		slog.Warn("canbus: dropping malformed gateway frame", "topic", msg.Topic(), "error", err)
		return
	}
	select {
	case t.frames <- frame:
	case <-t.closed:
	}
}

func (t *mqttTransport) Receive() (types.BusFrame, error) {
	select {
	case frame := <-t.frames:
		return frame, nil
	case err := <-t.failed:
		return types.BusFrame{}, err
	case <-t.closed:
		return types.BusFrame{}, ErrClosed
	}
}

func (t *mqttTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.client.IsConnected() {
			t.client.Unsubscribe(t.topic).WaitTimeout(time.Second)
			t.client.Disconnect(250)
		}
	})
	return nil
}

// waitToken waits for token, giving up on timeout or ctx cancellation
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) bool {
	select {
	case <-token.Done():
		return true
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		return false
	}
}
