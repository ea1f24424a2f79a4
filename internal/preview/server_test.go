package preview

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/canrec/internal/framebus"
	"github.com/e7canasta/canrec/internal/types"
)

func testFrame(seq uint64) types.Frame {
	w, h := 8, 4
	data := make([]byte, w*h*3)
	for i := 0; i < len(data); i += 3 {
		data[i] = 255 // blue
	}
	return types.Frame{Seq: seq, Width: w, Height: h, Data: data}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitViewers(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Viewers != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d viewers, got %d", n, s.Stats().Viewers)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamsFramesAndStatuses(t *testing.T) {
	bus := framebus.New()
	defer bus.Close()
	s := NewServer(Config{MaxFPS: 100}, bus, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	waitViewers(t, s, 1)

	bus.Publish(testFrame(1))
	s.OnStatus(types.Status{Kind: types.StatusRecordingStarted, SessionID: "abc"})

	var gotFrame, gotStatus bool
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !gotFrame || !gotStatus {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed (frame=%v status=%v): %v", gotFrame, gotStatus, err)
		}
		switch kind {
		case websocket.BinaryMessage:
			img, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("Invalid jpeg: %v", err)
			}
			if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
				t.Errorf("Unexpected image size %v", b)
			}
			gotFrame = true
		case websocket.TextMessage:
			var st types.Status
			if err := json.Unmarshal(data, &st); err != nil {
				t.Fatalf("Invalid status: %v", err)
			}
			if st.Kind != types.StatusRecordingStarted || st.SessionID != "abc" {
				t.Errorf("Unexpected status %+v", st)
			}
			gotStatus = true
		}
	}

	conn.Close()
	waitViewers(t, s, 0)
	if len(bus.Stats().Subscribers) != 0 {
		t.Error("Viewer subscription not removed")
	}
}

// TestNewViewerGetsLastStatus replays the latest status on connect.
func TestNewViewerGetsLastStatus(t *testing.T) {
	bus := framebus.New()
	defer bus.Close()
	s := NewServer(Config{}, bus, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	s.OnStatus(types.Status{Kind: types.StatusBusConnection, Connected: true})

	conn := dial(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if kind != websocket.TextMessage || !strings.Contains(string(data), `"bus_connection"`) {
		t.Errorf("Expected bus_connection status, got %s", data)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := NewServer(Config{}, framebus.New(), func() any {
		return map[string]bool{"recording": true}
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"recording":true`) {
		t.Errorf("Unexpected body %s", body)
	}

	resp, err = http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestEncodeJPEGRejectsShortFrame(t *testing.T) {
	f := testFrame(1)
	f.Data = f.Data[:10]
	if _, err := encodeJPEG(f, 75); err == nil {
		t.Error("Expected error for short frame")
	}
}
