package network

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/depth.fusion/internal/timeutil"
)

// interArrivalAlpha weights the newest gap in the smoothed
// inter-arrival estimate.
const interArrivalAlpha = 0.2

// staleCutoffPeriods is how many expected periods of silence drive the
// staleness factor from one to zero.
const staleCutoffPeriods = 10

// sourceCounters is the mutable per-source record behind the registry
// mutex.
type sourceCounters struct {
	packets      int64
	bytes        int64
	valid        int64
	lastSeen     time.Time
	interArrival time.Duration // EMA, zero until a second packet arrives
}

// SourceStatus is a point-in-time copy of one source's delivery
// counters, shaped for the monitor API.
type SourceStatus struct {
	SourceID          string  `json:"source_id"`
	Packets           int64   `json:"packets"`
	Bytes             int64   `json:"bytes"`
	Valid             int64   `json:"valid"`
	LastSeenNanos     int64   `json:"last_seen_nanos"`
	InterArrivalNanos int64   `json:"inter_arrival_nanos"`
	Health            float64 `json:"health"`
}

// StatsRegistry tracks delivery counters per source plus a global
// malformed-payload count, and derives a health score for sources whose
// datagrams do not carry one.
type StatsRegistry struct {
	mu        sync.Mutex
	clock     timeutil.Clock
	expect    time.Duration
	sources   map[string]*sourceCounters
	malformed int64
}

// NewStatsRegistry builds a registry. expect is the nominal
// inter-sample period for a healthy source, typically the frame period;
// zero or negative falls back to 50ms.
func NewStatsRegistry(expect time.Duration, clock timeutil.Clock) *StatsRegistry {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if expect <= 0 {
		expect = 50 * time.Millisecond
	}
	return &StatsRegistry{
		clock:   clock,
		expect:  expect,
		sources: make(map[string]*sourceCounters),
	}
}

// RecordSample counts one decoded datagram for a source. valid is the
// sample's own validity (confidence above zero), which feeds the health
// score's valid fraction.
func (r *StatsRegistry) RecordSample(sourceID string, bytes int, valid bool) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	sc := r.sources[sourceID]
	if sc == nil {
		sc = &sourceCounters{}
		r.sources[sourceID] = sc
	}
	if sc.packets > 0 {
		gap := now.Sub(sc.lastSeen)
		if sc.interArrival == 0 {
			// Seed the EMA with the first observed gap.
			sc.interArrival = gap
		} else {
			sc.interArrival += time.Duration(interArrivalAlpha * float64(gap-sc.interArrival))
		}
	}
	sc.packets++
	sc.bytes += int64(bytes)
	if valid {
		sc.valid++
	}
	sc.lastSeen = now
}

// RecordMalformed counts a payload that failed to decode. A malformed
// payload has no trustworthy source attribution, so the count is
// global.
func (r *StatsRegistry) RecordMalformed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.malformed++
}

// Malformed returns the global malformed-payload count.
func (r *StatsRegistry) Malformed() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.malformed
}

// HealthScore derives a [0,1] reliability signal for a source from its
// delivery behaviour. Staleness gates the whole score: a source silent
// for staleCutoffPeriods expected periods scores zero regardless of its
// history, which is what lets the gate tracker hard-disable it. The
// remainder splits between delivery rate and valid fraction. An unknown
// source scores zero.
func (r *StatsRegistry) HealthScore(sourceID string) float64 {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthLocked(sourceID, now)
}

func (r *StatsRegistry) healthLocked(sourceID string, now time.Time) float64 {
	sc := r.sources[sourceID]
	if sc == nil || sc.packets == 0 {
		return 0
	}
	age := now.Sub(sc.lastSeen)
	stale := 1 - float64(age)/float64(staleCutoffPeriods*r.expect)
	if stale < 0 {
		stale = 0
	} else if stale > 1 {
		stale = 1
	}
	rate := 1.0
	if sc.interArrival > r.expect {
		rate = float64(r.expect) / float64(sc.interArrival)
	}
	validFrac := float64(sc.valid) / float64(sc.packets)
	health := stale * (0.6*rate + 0.4*validFrac)
	if health < 0 {
		return 0
	}
	if health > 1 {
		return 1
	}
	return health
}

// Snapshot returns per-source statuses sorted by source id, with the
// health score evaluated at call time.
func (r *StatsRegistry) Snapshot() []SourceStatus {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SourceStatus, 0, len(r.sources))
	for id, sc := range r.sources {
		out = append(out, SourceStatus{
			SourceID:          id,
			Packets:           sc.packets,
			Bytes:             sc.bytes,
			Valid:             sc.valid,
			LastSeenNanos:     sc.lastSeen.UnixNano(),
			InterArrivalNanos: int64(sc.interArrival),
			Health:            r.healthLocked(id, now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// LogSummary writes one ops line per source plus the malformed count.
// The daemon calls this on a ticker.
func (r *StatsRegistry) LogSummary() {
	for _, s := range r.Snapshot() {
		log.Printf("source %s: %d packets (%d valid), %d bytes, inter-arrival %v, health %.2f",
			s.SourceID, s.Packets, s.Valid, s.Bytes, time.Duration(s.InterArrivalNanos), s.Health)
	}
	if n := r.Malformed(); n > 0 {
		log.Printf("malformed payloads: %d", n)
	}
}
