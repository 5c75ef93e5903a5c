package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dca_engine/pkg/logging"
)

func testConfig(url string) Config {
	return Config{
		URL:           url,
		ReconnectWait: 20 * time.Millisecond,
		PingInterval:  50 * time.Millisecond,
		PongWait:      250 * time.Millisecond,
		WriteWait:     time.Second,
	}
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func startClient(t *testing.T, c *Client) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("client did not stop")
		}
	}
}

func TestClientPingsServer(t *testing.T) {
	var pings int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetPingHandler(func(string) error {
			atomic.AddInt32(&pings, 1)
			return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	logger, _ := logging.NewZapLogger("DEBUG")
	client := NewClient(testConfig(wsURL(server)), func([]byte) {}, logger)
	stop := startClient(t, client)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&pings) < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&pings); got < 2 {
		t.Errorf("expected at least 2 pings, got %d", got)
	}
}

func TestClientRedialsWhenPongsStop(t *testing.T) {
	var connections int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connections, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Swallow pings so the client's pong deadline expires.
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	logger, _ := logging.NewZapLogger("DEBUG")
	client := NewClient(testConfig(wsURL(server)), func([]byte) {}, logger)
	stop := startClient(t, client)
	defer stop()

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&connections) < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&connections); got < 2 {
		t.Errorf("expected a reconnect after pong timeout, got %d connection(s)", got)
	}
}

func TestClientRerunsOnConnectAfterReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop every connection straight away to force redials.
		conn.Close()
	}))
	defer server.Close()

	logger, _ := logging.NewZapLogger("DEBUG")
	client := NewClient(testConfig(wsURL(server)), func([]byte) {}, logger)

	var subscribes int32
	client.OnConnect(func() { atomic.AddInt32(&subscribes, 1) })

	stop := startClient(t, client)
	defer stop()

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&subscribes) < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&subscribes); got < 2 {
		t.Errorf("expected OnConnect to re-run on reconnect, ran %d time(s)", got)
	}
}

func TestClientDeliversFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"BTCUSDT","c":"45000"}`)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	frames := make(chan []byte, 8)
	logger, _ := logging.NewZapLogger("DEBUG")
	client := NewClient(testConfig(wsURL(server)), func(message []byte) {
		frames <- message
	}, logger)
	stop := startClient(t, client)
	defer stop()

	select {
	case frame := <-frames:
		if string(frame) != `{"s":"BTCUSDT","c":"45000"}` {
			t.Errorf("unexpected frame: %s", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestClientStopsWithoutLeakingGoroutines(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	logger, _ := logging.NewZapLogger("DEBUG")
	client := NewClient(testConfig(wsURL(server)), func([]byte) {}, logger)
	stop := startClient(t, client)

	time.Sleep(200 * time.Millisecond)
	stop()
	time.Sleep(100 * time.Millisecond)

	after := runtime.NumGoroutine()
	if after > before+1 {
		t.Errorf("goroutines grew from %d to %d after stop", before, after)
	}
}
