package emitter

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/canrec/internal/config"
	"github.com/e7canasta/canrec/internal/types"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

// fakeClient records publications. Unused methods panic through the nil
// embedded interface.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	published []message
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Disconnect(uint)   {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.published = append(c.published, message{topic: topic, payload: payload.([]byte)})
	c.mu.Unlock()
	return newToken(nil)
}

func (c *fakeClient) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.published...)
}

func testConfig() *config.Config {
	cfg := &config.Config{InstanceID: "truck-01"}
	cfg.MQTT.Topics.Status = "canrec/status/truck-01"
	cfg.MQTT.QoS = map[string]byte{"status": 1}
	return cfg
}

func TestPublishesStatusesInOrder(t *testing.T) {
	client := &fakeClient{}
	e := NewMQTTEmitter(testConfig())
	e.Client = client
	e.setConnected(true)
	e.start()

	e.OnStatus(types.Status{Kind: types.StatusRecordingStarted, SessionID: "s1"})
	e.OnStatus(types.Status{Kind: types.StatusRecordingStopped, SessionID: "s1", Path: "/data/2024-01-01_Impact.mp4"})

	if err := e.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	msgs := client.messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].topic != "canrec/status/truck-01/recording_started" {
		t.Errorf("Unexpected topic %q", msgs[0].topic)
	}
	if msgs[1].topic != "canrec/status/truck-01/recording_stopped" {
		t.Errorf("Unexpected topic %q", msgs[1].topic)
	}

	var got types.Status
	if err := json.Unmarshal(msgs[1].payload, &got); err != nil {
		t.Fatalf("Invalid payload: %v", err)
	}
	if got.Path != "/data/2024-01-01_Impact.mp4" || got.SessionID != "s1" {
		t.Errorf("Unexpected payload: %+v", got)
	}

	st := e.Stats()
	if st.Published["canrec/status/truck-01/recording_started"] != 1 || st.Errors != 0 {
		t.Errorf("Unexpected stats: %+v", st)
	}
	if st.Connected {
		t.Error("Still connected after Disconnect")
	}
}

// TestOnStatusNeverBlocks drops notifications once the queue is full.
func TestOnStatusNeverBlocks(t *testing.T) {
	e := NewMQTTEmitter(testConfig())

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize+5; i++ {
			e.OnStatus(types.Status{Kind: types.StatusCameraState})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnStatus blocked")
	}

	if st := e.Stats(); st.Dropped != 5 {
		t.Errorf("Expected 5 dropped, got %d", st.Dropped)
	}
}

func TestNotConnectedCountsErrors(t *testing.T) {
	client := &fakeClient{}
	e := NewMQTTEmitter(testConfig())
	e.Client = client
	e.start()

	e.OnStatus(types.Status{Kind: types.StatusBusError})
	e.Disconnect()

	if len(client.messages()) != 0 {
		t.Error("Published while disconnected")
	}
	if st := e.Stats(); st.Errors != 1 {
		t.Errorf("Expected 1 error, got %d", st.Errors)
	}

	// after Disconnect notifications are ignored
	e.OnStatus(types.Status{Kind: types.StatusBusError})
	if st := e.Stats(); st.Dropped != 0 {
		t.Errorf("Expected no drops after Disconnect, got %d", st.Dropped)
	}
}
