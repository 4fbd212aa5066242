package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/depth.fusion/internal/fusion"
)

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", h.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastReachesClient(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, clientSendBuffer)}
	h.register <- client
	waitForClients(t, h, 1)

	h.BroadcastResult(testResult(7, 2.5, "tof0"))

	select {
	case msg := <-client.send:
		var res fusion.Result
		if err := json.Unmarshal(msg, &res); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		if res.FrameSeq != 7 {
			t.Errorf("frame seq = %d, want 7", res.FrameSeq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// Unbuffered send channel with no reader stands in for a stalled peer.
	client := &Client{hub: h, send: make(chan []byte)}
	h.register <- client
	waitForClients(t, h, 1)

	h.BroadcastResult(testResult(1, 2.0, "tof0"))
	waitForClients(t, h, 0)

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected closed send channel for dropped client")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel was not closed")
	}
}

func TestHubUnregisterIsIdempotentWithDrop(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte)}
	h.register <- client
	waitForClients(t, h, 1)

	// Drop via slow-client path, then unregister as readPump would.
	h.BroadcastResult(testResult(1, 2.0, "tof0"))
	waitForClients(t, h, 0)

	done := make(chan struct{})
	go func() {
		h.unregister <- client
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unregister of dropped client blocked")
	}
	if h.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0", h.ClientCount())
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(ctx) }()

	client := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- client
	waitForClients(t, h, 1)

	cancel()

	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected closed send channel after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel was not closed on shutdown")
	}
}

func TestBroadcastResultNeverBlocks(t *testing.T) {
	h := NewHub()
	// No Run goroutine: the intake fills, then further results are dropped.
	for i := 0; i < clientSendBuffer+10; i++ {
		h.BroadcastResult(testResult(uint64(i), 2.0, "tof0"))
	}
	if h.Dropped() != 10 {
		t.Errorf("dropped = %d, want 10", h.Dropped())
	}
}

func TestServeWSStreamsResults(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(h, w, r)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForClients(t, h, 1)
	h.BroadcastResult(testResult(42, 3.5, "tof0", "stereo0"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var res fusion.Result
	if err := json.Unmarshal(msg, &res); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if res.FrameSeq != 42 || res.SourceCount != 2 {
		t.Errorf("got frame %d with %d sources, want 42 with 2", res.FrameSeq, res.SourceCount)
	}
}
