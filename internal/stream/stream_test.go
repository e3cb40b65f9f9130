package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polyflow/config"
)

// wsServer is an in-process websocket endpoint that records every inbound
// frame and can push frames back to connected clients.
type wsServer struct {
	t            *testing.T
	srv          *httptest.Server
	authenticate bool

	mu     sync.Mutex
	frames []map[string]interface{}
	conns  []*websocket.Conn
}

func newWSServer(t *testing.T, authenticate bool) *wsServer {
	t.Helper()

	s := &wsServer{t: t, authenticate: authenticate}
	upgrader := websocket.Upgrader{}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			var frame map[string]interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, frame)
			s.mu.Unlock()

			if _, ok := frame["auth"]; ok && s.authenticate {
				_ = conn.WriteJSON(map[string]string{"type": "authenticated"})
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) push(v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.WriteJSON(v)
	}
}

func (s *wsServer) countFrames(frameType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f["type"] == frameType {
			n++
		}
	}
	return n
}

func (s *wsServer) countAuthFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if _, ok := f["auth"]; ok {
			n++
		}
	}
	return n
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *wsServer) dropConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

// testSink records deliveries for assertions.
type testSink struct {
	mu            sync.Mutex
	notifications []Notification
	logs          []string
}

func (s *testSink) DeliverNotification(_ context.Context, n Notification) error {
	s.mu.Lock()
	s.notifications = append(s.notifications, n)
	s.mu.Unlock()
	return nil
}

func (s *testSink) DeliverLog(_ context.Context, message string) error {
	s.mu.Lock()
	s.logs = append(s.logs, message)
	s.mu.Unlock()
	return nil
}

func (s *testSink) notificationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifications)
}

func (s *testSink) logCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		FrameBuffer:           64,
		ReceivePoll:           20 * time.Millisecond,
		AuthTimeout:           time.Second,
		HandshakeTimeout:      2 * time.Second,
		WriteTimeout:          2 * time.Second,
		PingInterval:          10 * time.Second,
		StopTimeout:           2 * time.Second,
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     100 * time.Millisecond,
		SendRatePerSecond:     1000,
		SendBurst:             100,
	}
}

func testVenueConfig(trading, data *wsServer) config.VenueConfig {
	return config.VenueConfig{
		TradingWS: trading.url(),
		DataWS:    data.url(),
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
