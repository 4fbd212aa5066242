package arbiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/timeutil"
)

// CollectorConfig configures the pre-fusion barrier.
type CollectorConfig struct {
	// Sources is the fixed set of producer IDs for this session. A frame
	// is complete once every source has reported.
	Sources []string

	// FrameTimeout closes a frame that is still waiting on slow sources.
	// Defaults to 50ms.
	FrameTimeout time.Duration

	// QueueDepth is the completed-frame queue feeding the callback
	// worker. Defaults to 8; when full, frames are dropped rather than
	// blocking producers.
	QueueDepth int

	// OnFrame receives completed frames on a single worker goroutine, in
	// sequence order.
	OnFrame func(*fusion.Frame)

	// Clock defaults to the real clock.
	Clock timeutil.Clock
}

// CollectorStats counts barrier outcomes since construction.
type CollectorStats struct {
	FramesComplete uint64 `json:"frames_complete"`
	FramesTimedOut uint64 `json:"frames_timed_out"`
	DuplicateDrops uint64 `json:"duplicate_drops"`
	UnknownDrops   uint64 `json:"unknown_drops"`
	QueueDrops     uint64 `json:"queue_drops"`
	LastFrameSeq   uint64 `json:"last_frame_seq"`
}

// Collector joins concurrent per-source sample producers into complete
// frames. Producers call Offer from any goroutine; a frame opens on the
// first sample after the previous close and closes when every registered
// source has reported or the frame timeout fires. Completed frames are
// handed to the callback on one worker goroutine so fusion never runs
// concurrently with itself.
type Collector struct {
	sources map[string]bool
	timeout time.Duration
	onFrame func(*fusion.Frame)
	clock   timeutil.Clock

	mu       sync.Mutex
	pending  map[string]fusion.SourceInput
	seq      uint64
	openedAt time.Time
	open     bool
	cancel   chan struct{}
	closed   bool
	stats    CollectorStats

	frameCh   chan *fusion.Frame
	frameDone chan struct{}
}

// NewCollector builds and starts the barrier. Close must be called to stop
// the callback worker.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("collector: at least one source is required")
	}
	if cfg.OnFrame == nil {
		return nil, fmt.Errorf("collector: frame callback is required")
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = 50 * time.Millisecond
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	c := &Collector{
		sources:   make(map[string]bool, len(cfg.Sources)),
		timeout:   cfg.FrameTimeout,
		onFrame:   cfg.OnFrame,
		clock:     cfg.Clock,
		pending:   make(map[string]fusion.SourceInput, len(cfg.Sources)),
		frameCh:   make(chan *fusion.Frame, cfg.QueueDepth),
		frameDone: make(chan struct{}),
	}
	for _, id := range cfg.Sources {
		if id == "" {
			return nil, fmt.Errorf("collector: empty source ID")
		}
		if c.sources[id] {
			return nil, fmt.Errorf("collector: duplicate source ID %q", id)
		}
		c.sources[id] = true
	}
	go c.frameWorker()
	return c, nil
}

// frameWorker drains completed frames one at a time so the callback never
// runs concurrently with itself.
func (c *Collector) frameWorker() {
	defer close(c.frameDone)
	for frame := range c.frameCh {
		c.onFrame(frame)
	}
}

// Offer records one source's sample for the current frame. Samples from
// unregistered sources and repeat samples for an already-filled slot are
// counted and dropped; a repeat belongs to the next frame and producers
// are expected to retry after the close.
func (c *Collector) Offer(sample fusion.SourceSample, health float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if !c.sources[sample.SourceID] {
		c.stats.UnknownDrops++
		tracef("dropping sample from unregistered source %q", sample.SourceID)
		return
	}

	if !c.open {
		c.seq++
		c.openedAt = c.clock.Now()
		c.open = true
		c.cancel = make(chan struct{})
		go c.watchTimeout(c.seq, c.clock.NewTimer(c.timeout), c.cancel)
	}

	if _, dup := c.pending[sample.SourceID]; dup {
		c.stats.DuplicateDrops++
		return
	}
	c.pending[sample.SourceID] = fusion.SourceInput{Sample: sample, Health: health}

	if len(c.pending) == len(c.sources) {
		c.stats.FramesComplete++
		c.emitLocked()
	}
}

// watchTimeout closes a frame that never completed. The sequence number
// guards against a stale timer firing after the frame already emitted.
func (c *Collector) watchTimeout(seq uint64, tm timeutil.Timer, cancel <-chan struct{}) {
	select {
	case <-tm.C():
		c.expire(seq)
	case <-cancel:
		tm.Stop()
	}
}

func (c *Collector) expire(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.open || c.seq != seq {
		return
	}
	c.stats.FramesTimedOut++
	diagf("frame %d timed out with %d/%d sources", seq, len(c.pending), len(c.sources))
	c.emitLocked()
}

// emitLocked assembles the open frame and queues it for the callback
// worker. Callers hold c.mu.
func (c *Collector) emitLocked() {
	frame := &fusion.Frame{
		Seq:            c.seq,
		TimestampNanos: c.openedAt.UnixNano(),
		Inputs:         make([]fusion.SourceInput, 0, len(c.pending)),
	}
	for _, in := range c.pending {
		frame.Inputs = append(frame.Inputs, in)
	}
	frame.SortInputs()

	c.stats.LastFrameSeq = c.seq
	c.open = false
	close(c.cancel)
	c.cancel = nil
	for id := range c.pending {
		delete(c.pending, id)
	}

	select {
	case c.frameCh <- frame:
	default:
		// queue full: drop rather than block producers
		c.stats.QueueDrops++
		opsf("dropped frame %d: callback queue full", frame.Seq)
	}
}

// Stats returns a snapshot of barrier counters.
func (c *Collector) Stats() CollectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Pending reports how many sources have filled their slot in the open
// frame, and the frame's sequence number. Zero pending means no frame is
// open.
func (c *Collector) Pending() (int, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return 0, c.seq
	}
	return len(c.pending), c.seq
}

// Close stops accepting samples, discards any open frame, and waits for
// the callback worker to drain.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.open {
		c.open = false
		close(c.cancel)
		c.cancel = nil
	}
	c.mu.Unlock()

	close(c.frameCh)
	<-c.frameDone
}
