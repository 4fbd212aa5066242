package network

import (
	"context"
	"time"

	"github.com/banshee-data/depth.fusion/internal/timeutil"
)

// Source is anything that feeds sample datagrams into the daemon: the
// UDP listener, a serial line, or a scripted mock.
type Source interface {
	// Run blocks until the context is cancelled or the source fails.
	Run(ctx context.Context) error

	// Name identifies the source in logs.
	Name() string
}

// ScheduledSample is one scripted emission: wait Delay, then deliver
// the datagram.
type ScheduledSample struct {
	Delay    time.Duration
	Datagram Datagram
}

// MockSource replays a scripted schedule through its handler. The
// verify harness and the daemon's selftest mode drive the pipeline with
// it.
type MockSource struct {
	SourceName string
	Schedule   []ScheduledSample
	Handler    func(Datagram)
	Clock      timeutil.Clock

	// Loop restarts the schedule from the top until cancelled.
	Loop bool
}

// Name implements Source.
func (m *MockSource) Name() string {
	if m.SourceName == "" {
		return "mock"
	}
	return m.SourceName
}

// Run implements Source. A nil Clock uses the wall clock.
func (m *MockSource) Run(ctx context.Context) error {
	clock := m.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	for {
		for _, s := range m.Schedule {
			if s.Delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-clock.After(s.Delay):
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}
			m.Handler(s.Datagram)
		}
		if !m.Loop {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
