// Package preview serves a live view of the capture: JPEG frames and status
// notifications streamed to browsers over a websocket.
package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/canrec/internal/framebus"
	"github.com/e7canasta/canrec/internal/types"
)

// Config contains preview server settings
type Config struct {
	Addr        string
	MaxFPS      float64
	JPEGQuality int
}

// Stats contains preview counters
type Stats struct {
	Viewers       int    `json:"viewers"`
	FramesSent    uint64 `json:"frames_sent"`
	StatusesSent  uint64 `json:"statuses_sent"`
	StatusDropped uint64 `json:"status_dropped"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers are on the vehicle LAN
	},
}

const writeWait = 2 * time.Second

// viewer is one websocket connection. Only its writer goroutine writes to conn.
type viewer struct {
	id       string
	conn     *websocket.Conn
	frames   *framebus.LatestFrame
	statuses chan types.Status
	done     chan struct{}
	once     sync.Once
}

func (v *viewer) close() {
	v.once.Do(func() {
		close(v.done)
		v.frames.Close()
	})
}

// Server streams frames from a framebus to websocket viewers.
// It implements types.Observer for status notifications.
type Server struct {
	cfg    Config
	bus    *framebus.Bus
	status func() any

	mu      sync.Mutex
	viewers map[string]*viewer
	last    *types.Status
	server  *http.Server

	stats Stats
}

// NewServer creates a preview server. status, when non-nil, backs /status.
func NewServer(cfg Config, bus *framebus.Bus, status func() any) *Server {
	if cfg.MaxFPS <= 0 {
		cfg.MaxFPS = 10
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 75
	}
	return &Server{
		cfg:     cfg,
		bus:     bus,
		status:  status,
		viewers: make(map[string]*viewer),
	}
}

// Handler returns the HTTP routes: / (page), /ws (stream), /status (JSON)
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start listens on cfg.Addr and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("preview: listen %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	slog.Info("preview: server started",
		"addr", ln.Addr().String(),
		"max_fps", s.cfg.MaxFPS,
	)

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("preview: server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown disconnects every viewer and stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	viewers := make([]*viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.mu.Unlock()

	for _, v := range viewers {
		v.close()
	}
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("preview: shutdown: %w", err)
	}
	slog.Info("preview: server stopped")
	return nil
}

// OnStatus forwards s to every viewer, dropping it for viewers that lag
func (s *Server) OnStatus(st types.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = &st
	for _, v := range s.viewers {
		select {
		case v.statuses <- st:
		default:
			s.stats.StatusDropped++
		}
	}
}

// Stats returns preview counters
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Viewers = len(s.viewers)
	return st
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("preview: websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	frames, err := s.bus.SubscribeLatest("preview-" + id)
	if err != nil {
		slog.Warn("preview: frame subscription failed", "error", err)
		conn.Close()
		return
	}

	v := &viewer{
		id:       id,
		conn:     conn,
		frames:   frames,
		statuses: make(chan types.Status, 16),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.viewers[id] = v
	if s.last != nil {
		v.statuses <- *s.last
	}
	s.mu.Unlock()

	slog.Info("preview: viewer connected", "viewer", id, "remote", conn.RemoteAddr().String())

	go s.readLoop(v)
	s.writeLoop(v)

	s.mu.Lock()
	delete(s.viewers, id)
	s.mu.Unlock()
	s.bus.Unsubscribe("preview-" + id)
	conn.Close()

	slog.Info("preview: viewer disconnected", "viewer", id)
}

// readLoop discards client messages and detects disconnects
func (s *Server) readLoop(v *viewer) {
	defer v.close()
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop sends at most MaxFPS frames per second plus every status
func (s *Server) writeLoop(v *viewer) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.cfg.MaxFPS))
	defer ticker.Stop()

	for {
		select {
		case <-v.done:
			v.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case st := <-v.statuses:
			payload, err := st.ToJSON()
			if err != nil {
				continue
			}
			if !s.write(v, websocket.TextMessage, payload) {
				return
			}
			s.mu.Lock()
			s.stats.StatusesSent++
			s.mu.Unlock()

		case <-ticker.C:
			frame, ok := v.frames.TryReceive()
			if !ok {
				continue
			}
			img, err := encodeJPEG(frame, s.cfg.JPEGQuality)
			if err != nil {
				slog.Debug("preview: frame skipped", "seq", frame.Seq, "error", err)
				continue
			}
			if !s.write(v, websocket.BinaryMessage, img) {
				return
			}
			s.mu.Lock()
			s.stats.FramesSent++
			s.mu.Unlock()
		}
	}
}

func (s *Server) write(v *viewer, kind int, data []byte) bool {
	v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := v.conn.WriteMessage(kind, data); err != nil {
		slog.Debug("preview: write failed", "viewer", v.id, "error", err)
		v.close()
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var body any = s.Stats()
	if s.status != nil {
		body = map[string]any{
			"preview":  s.Stats(),
			"recorder": s.status(),
		}
	}
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexPage))
}

const indexPage = `<!DOCTYPE html>
<html>
<head>
	<title>canrec preview</title>
	<style>
		body { font-family: sans-serif; margin: 24px; background: #111; color: #eee; }
		img { max-width: 100%; border: 1px solid #444; }
		#status { margin-top: 12px; font-family: monospace; white-space: pre; }
	</style>
</head>
<body>
	<h1>canrec preview</h1>
	<img id="frame" alt="waiting for frames">
	<div id="status">connecting...</div>
	<script>
		const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
		ws.binaryType = "blob";
		let url = null;
		ws.onmessage = (ev) => {
			if (typeof ev.data === "string") {
				document.getElementById("status").textContent = ev.data;
				return;
			}
			if (url) URL.revokeObjectURL(url);
			url = URL.createObjectURL(ev.data);
			document.getElementById("frame").src = url;
		};
		ws.onclose = () => { document.getElementById("status").textContent = "disconnected"; };
	</script>
</body>
</html>
`
