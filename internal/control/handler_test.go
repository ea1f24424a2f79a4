package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/canrec/internal/config"
)

type doneToken struct{ done chan struct{} }

func newToken() *doneToken {
	t := &doneToken{done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return nil }

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

// fakeClient captures the subscription and every published response
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	handler   mqtt.MessageHandler
	responses chan Response
	topics    []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{responses: make(chan Response, 16)}
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.handler = cb
	c.mu.Unlock()
	return newToken()
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token { return newToken() }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var resp Response
	json.Unmarshal(payload.([]byte), &resp)
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.mu.Unlock()
	c.responses <- resp
	return newToken()
}

func (c *fakeClient) send(payload string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(c, fakeMessage{payload: []byte(payload)})
}

func (c *fakeClient) next(t *testing.T) Response {
	t.Helper()
	select {
	case r := <-c.responses:
		return r
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for response")
		return Response{}
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.MQTT.Topics.Control = "canrec/control/truck-01"
	cfg.MQTT.QoS = map[string]byte{"control": 1}
	return cfg
}

func startHandler(t *testing.T, cb CommandCallbacks) *fakeClient {
	t.Helper()
	client := newFakeClient()
	h := NewHandler(testConfig(), client, cb)
	h.shutdownDelay = time.Millisecond
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { h.Stop() })
	return client
}

func TestRecordingCommands(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	client := startHandler(t, CommandCallbacks{
		OnBeginRecording: func() error {
			mu.Lock()
			calls = append(calls, "begin")
			mu.Unlock()
			return nil
		},
		OnEndRecording: func(label string) error {
			mu.Lock()
			calls = append(calls, "end:"+label)
			mu.Unlock()
			return nil
		},
	})

	client.send(`{"command":"begin_recording"}`)
	if r := client.next(t); r.Status != "accepted" || r.CommandAck != "begin_recording" {
		t.Errorf("Unexpected response: %+v", r)
	}

	client.send(`{"command":"end_recording","params":{"label":"Manual stop"}}`)
	r := client.next(t)
	if r.Status != "accepted" || r.Data["label"] != "Manual stop" {
		t.Errorf("Unexpected response: %+v", r)
	}
	if r.Timestamp == "" {
		t.Error("Response has no timestamp")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 || calls[0] != "begin" || calls[1] != "end:Manual stop" {
		t.Errorf("Unexpected calls: %v", calls)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.topics[0] != "canrec/control/truck-01/response" {
		t.Errorf("Unexpected response topic %q", client.topics[0])
	}
}

func TestCommandErrors(t *testing.T) {
	client := startHandler(t, CommandCallbacks{
		OnSetSaveDirectory: func(dir string) error { return errors.New("not a directory") },
	})

	tests := []struct {
		payload string
		ack     string
		errText string
	}{
		{`{`, "unknown", "invalid JSON"},
		{`{"command":"fly"}`, "fly", "unknown command: fly"},
		{`{"command":"get_status"}`, "get_status", "get_status not implemented"},
		{`{"command":"set_save_directory"}`, "set_save_directory", "missing or invalid 'path' parameter (expected string)"},
		{`{"command":"set_save_directory","params":{"path":"/nope"}}`, "set_save_directory", "not a directory"},
	}

	for _, tt := range tests {
		client.send(tt.payload)
		r := client.next(t)
		if r.Status != "error" || r.CommandAck != tt.ack || r.Error != tt.errText {
			t.Errorf("%s: unexpected response %+v", tt.payload, r)
		}
	}
}

// TestShutdownRespondsFirst replies before running the shutdown callback.
func TestShutdownRespondsFirst(t *testing.T) {
	shutdown := make(chan struct{})
	client := startHandler(t, CommandCallbacks{
		OnShutdown: func() error {
			close(shutdown)
			return nil
		},
	})

	client.send(`{"command":"shutdown"}`)
	if r := client.next(t); r.Status != "success" {
		t.Errorf("Unexpected response: %+v", r)
	}

	select {
	case <-shutdown:
	case <-time.After(time.Second):
		t.Fatal("Shutdown callback not invoked")
	}
}

func TestGetStatus(t *testing.T) {
	client := startHandler(t, CommandCallbacks{
		OnGetStatus: func() map[string]interface{} {
			return map[string]interface{}{"recording": true}
		},
	})

	client.send(`{"command":"get_status"}`)
	r := client.next(t)
	if r.Status != "success" || r.Data["recording"] != true {
		t.Errorf("Unexpected response: %+v", r)
	}
}
