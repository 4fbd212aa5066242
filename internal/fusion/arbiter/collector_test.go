package arbiter

import (
	"testing"
	"time"

	"github.com/banshee-data/depth.fusion/internal/config"
	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorConfigFromTuningDefaults(t *testing.T) {
	cfg := CollectorConfigFromTuning(config.DefaultTuningConfig())
	assert.Equal(t, []string{"stereo0", "tof0", "mono-ml"}, cfg.Sources)
	assert.Equal(t, 50*time.Millisecond, cfg.FrameTimeout)
	assert.Equal(t, 8, cfg.QueueDepth)
}

func newTestCollector(t *testing.T, clock timeutil.Clock, sources ...string) (*Collector, chan *fusion.Frame) {
	t.Helper()
	frames := make(chan *fusion.Frame, 16)
	c, err := NewCollector(CollectorConfig{
		Sources:      sources,
		FrameTimeout: 50 * time.Millisecond,
		OnFrame:      func(f *fusion.Frame) { frames <- f },
		Clock:        clock,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, frames
}

func waitFrame(t *testing.T, frames chan *fusion.Frame) *fusion.Frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func sample(id string, depth float64) fusion.SourceSample {
	return fusion.SourceSample{SourceID: id, Depth: depth, Confidence: 0.8}
}

func TestNewCollectorValidatesConfig(t *testing.T) {
	t.Parallel()

	cb := func(*fusion.Frame) {}

	_, err := NewCollector(CollectorConfig{OnFrame: cb})
	assert.Error(t, err, "sources required")

	_, err = NewCollector(CollectorConfig{Sources: []string{"a"}})
	assert.Error(t, err, "callback required")

	_, err = NewCollector(CollectorConfig{Sources: []string{"a", "a"}, OnFrame: cb})
	assert.Error(t, err, "duplicate source")

	_, err = NewCollector(CollectorConfig{Sources: []string{""}, OnFrame: cb})
	assert.Error(t, err, "empty source")
}

func TestCollectorEmitsWhenAllSourcesReport(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(2000, 0))
	c, frames := newTestCollector(t, clock, "left", "right")

	c.Offer(sample("right", 3.0), 0.9)
	c.Offer(sample("left", 2.0), 0.7)

	f := waitFrame(t, frames)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, time.Unix(2000, 0).UnixNano(), f.TimestampNanos)
	require.Len(t, f.Inputs, 2)
	assert.Equal(t, "left", f.Inputs[0].Sample.SourceID)
	assert.Equal(t, "right", f.Inputs[1].Sample.SourceID)
	assert.Equal(t, 0.7, f.Inputs[0].Health)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.FramesComplete)
	assert.Equal(t, uint64(0), st.FramesTimedOut)
}

func TestCollectorTimeoutEmitsPartialFrame(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(2000, 0))
	c, frames := newTestCollector(t, clock, "left", "right")

	c.Offer(sample("left", 2.0), 0.7)
	clock.Advance(50 * time.Millisecond)

	f := waitFrame(t, frames)
	assert.Equal(t, uint64(1), f.Seq)
	require.Len(t, f.Inputs, 1)
	assert.Equal(t, "left", f.Inputs[0].Sample.SourceID)

	st := c.Stats()
	assert.Equal(t, uint64(0), st.FramesComplete)
	assert.Equal(t, uint64(1), st.FramesTimedOut)
}

func TestCollectorDropsDuplicateSlot(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(2000, 0))
	c, frames := newTestCollector(t, clock, "left", "right")

	c.Offer(sample("left", 2.0), 0.7)
	c.Offer(sample("left", 9.0), 0.7) // slot already filled
	c.Offer(sample("right", 3.0), 0.9)

	f := waitFrame(t, frames)
	require.Len(t, f.Inputs, 2)
	assert.Equal(t, 2.0, f.Inputs[0].Sample.Depth, "first sample keeps the slot")
	assert.Equal(t, uint64(1), c.Stats().DuplicateDrops)
}

func TestCollectorDropsUnknownSource(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(2000, 0))
	c, _ := newTestCollector(t, clock, "left", "right")

	c.Offer(sample("bogus", 1.0), 0.5)

	pending, _ := c.Pending()
	assert.Equal(t, 0, pending, "unknown source must not open a frame")
	assert.Equal(t, uint64(1), c.Stats().UnknownDrops)
}

func TestCollectorSequenceAndOrder(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(2000, 0))
	c, frames := newTestCollector(t, clock, "solo")

	for i := 0; i < 3; i++ {
		clock.Advance(33 * time.Millisecond)
		c.Offer(sample("solo", float64(i)), 0.9)
	}

	for want := uint64(1); want <= 3; want++ {
		f := waitFrame(t, frames)
		assert.Equal(t, want, f.Seq, "frames arrive in sequence order")
	}
	assert.Equal(t, uint64(3), c.Stats().FramesComplete)
}

func TestCollectorStaleTimerDoesNotExpireNextFrame(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(2000, 0))
	c, frames := newTestCollector(t, clock, "solo")

	c.Offer(sample("solo", 1.0), 0.9) // completes frame 1 immediately
	waitFrame(t, frames)

	// fire the (already cancelled) frame-1 timer, then open frame 2
	clock.Advance(60 * time.Millisecond)
	c.Offer(sample("solo", 2.0), 0.9)
	waitFrame(t, frames)

	st := c.Stats()
	assert.Equal(t, uint64(0), st.FramesTimedOut)
	assert.Equal(t, uint64(2), st.FramesComplete)
}

func TestCollectorCloseStopsIntake(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(2000, 0))
	frames := make(chan *fusion.Frame, 16)
	c, err := NewCollector(CollectorConfig{
		Sources: []string{"left", "right"},
		OnFrame: func(f *fusion.Frame) { frames <- f },
		Clock:   clock,
	})
	require.NoError(t, err)

	c.Offer(sample("left", 2.0), 0.7) // opens a frame that will never finish
	c.Close()
	c.Close() // idempotent

	c.Offer(sample("right", 3.0), 0.9)
	select {
	case f := <-frames:
		t.Fatalf("unexpected frame %d after close", f.Seq)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint64(0), c.Stats().FramesComplete)
}
