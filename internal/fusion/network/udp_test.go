package network

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"github.com/banshee-data/depth.fusion/internal/fusion"
)

func TestNewUDPListenerValidation(t *testing.T) {
	_, err := NewUDPListener(UDPListenerConfig{Handler: func(Datagram) {}})
	if err == nil {
		t.Error("Expected error for missing address, got nil")
	}

	_, err = NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0"})
	if err == nil {
		t.Error("Expected error for missing handler, got nil")
	}
}

func TestUDPListenerName(t *testing.T) {
	l, err := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0", Handler: func(Datagram) {}})
	if err != nil {
		t.Fatalf("NewUDPListener returned error: %v", err)
	}
	if l.Name() != "udp" {
		t.Errorf("Expected name 'udp', got %q", l.Name())
	}
}

func TestUDPListenerListenTwice(t *testing.T) {
	l, err := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0", Handler: func(Datagram) {}})
	if err != nil {
		t.Fatalf("NewUDPListener returned error: %v", err)
	}

	addr1, err := l.Listen()
	if err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}
	addr2, err := l.Listen()
	if err != nil {
		t.Fatalf("Second Listen returned error: %v", err)
	}
	if addr1.String() != addr2.String() {
		t.Errorf("Expected same bound address, got %s then %s", addr1, addr2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled from cancelled Run, got %v", err)
	}
}

func TestUDPListenerDeliversSamples(t *testing.T) {
	received := make(chan Datagram, 8)
	stats := NewStatsRegistry(50*time.Millisecond, nil)

	l, err := NewUDPListener(UDPListenerConfig{
		Address: "127.0.0.1:0",
		RcvBuf:  64 * 1024,
		Handler: func(d Datagram) { received <- d },
		Stats:   stats,
	})
	if err != nil {
		t.Fatalf("NewUDPListener returned error: %v", err)
	}

	addr, err := l.Listen()
	if err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("Failed to dial listener: %v", err)
	}
	defer conn.Close()

	sample := fusion.SourceSample{
		SourceID:       "stereo0",
		Depth:          2.125,
		Confidence:     0.8,
		TimestampNanos: 1234567890,
	}
	if _, err := conn.Write(AppendSample(nil, sample, 0.95)); err != nil {
		t.Fatalf("Failed to send datagram: %v", err)
	}

	select {
	case d := <-received:
		if d.Sample != sample {
			t.Errorf("Expected sample %+v, got %+v", sample, d.Sample)
		}
		if !d.HasHealth() || d.Health != 0.95 {
			t.Errorf("Expected health 0.95, got %v", d.Health)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for datagram delivery")
	}

	// A malformed payload is counted and dropped, not delivered.
	if _, err := conn.Write([]byte{0x07, 0xff}); err != nil {
		t.Fatalf("Failed to send malformed datagram: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for stats.Malformed() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Timeout waiting for malformed count")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case d := <-received:
		t.Errorf("Malformed payload should not reach the handler, got %+v", d)
	default:
	}

	snap := stats.Snapshot()
	if len(snap) != 1 || snap[0].SourceID != "stereo0" || snap[0].Packets != 1 {
		t.Errorf("Unexpected stats snapshot: %+v", snap)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for listener to stop")
	}
}

func TestUDPListenerHealthOmitted(t *testing.T) {
	received := make(chan Datagram, 1)
	l, err := NewUDPListener(UDPListenerConfig{
		Address: "127.0.0.1:0",
		Handler: func(d Datagram) { received <- d },
	})
	if err != nil {
		t.Fatalf("NewUDPListener returned error: %v", err)
	}
	addr, err := l.Listen()
	if err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("Failed to dial listener: %v", err)
	}
	defer conn.Close()

	sample := fusion.SourceSample{SourceID: "tof0", Depth: 0.75, Confidence: 0.4}
	if _, err := conn.Write(AppendSample(nil, sample, math.NaN())); err != nil {
		t.Fatalf("Failed to send datagram: %v", err)
	}

	select {
	case d := <-received:
		if d.HasHealth() {
			t.Errorf("Expected no health on the wire, got %v", d.Health)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for datagram delivery")
	}
}
