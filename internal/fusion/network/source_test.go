package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/depth.fusion/internal/fusion"
)

func TestMockSourceName(t *testing.T) {
	if got := (&MockSource{}).Name(); got != "mock" {
		t.Errorf("Expected default name 'mock', got %q", got)
	}
	if got := (&MockSource{SourceName: "replay"}).Name(); got != "replay" {
		t.Errorf("Expected name 'replay', got %q", got)
	}
}

func TestMockSourceDeliversSchedule(t *testing.T) {
	var got []Datagram
	src := &MockSource{
		Schedule: []ScheduledSample{
			{Datagram: Datagram{Sample: fusion.SourceSample{SourceID: "a", Depth: 1, Confidence: 1}}},
			{Datagram: Datagram{Sample: fusion.SourceSample{SourceID: "b", Depth: 2, Confidence: 1}}},
			{Delay: time.Millisecond, Datagram: Datagram{Sample: fusion.SourceSample{SourceID: "c", Depth: 3, Confidence: 1}}},
		},
		Handler: func(d Datagram) { got = append(got, d) },
	}

	// With Loop unset, Run is synchronous and returns after the last
	// delivery.
	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("Expected 3 deliveries, got %d", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Sample.SourceID != want {
			t.Errorf("Delivery %d: expected source %q, got %q", i, want, got[i].Sample.SourceID)
		}
	}
}

func TestMockSourceLoopUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	count := 0
	src := &MockSource{
		Schedule: []ScheduledSample{
			{Datagram: Datagram{Sample: fusion.SourceSample{SourceID: "a", Depth: 1, Confidence: 1}}},
		},
		Handler: func(Datagram) {
			count++
			if count == 5 {
				cancel()
			}
		},
		Loop: true,
	}

	err := src.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if count != 5 {
		t.Errorf("Expected exactly 5 deliveries before cancellation, got %d", count)
	}
}
