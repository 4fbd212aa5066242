package verify

import (
	"time"

	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/fusion/network"
)

const syntheticPeriod = 50 * time.Millisecond

// SyntheticFrames builds a deterministic frame schedule with no random
// state: staircase depths, cycling confidence, and per-source health
// waveforms with staggered ten-frame collapses, so a long enough run
// walks every gate transition including hard disable and recovery. The
// same (n, sources) always yields byte-identical frames.
func SyntheticFrames(n int, sources []string) []fusion.Frame {
	frames := make([]fusion.Frame, 0, n)
	for i := 0; i < n; i++ {
		f := fusion.Frame{
			Seq:            uint64(i + 1),
			TimestampNanos: int64(i+1) * int64(syntheticPeriod),
		}
		for j, id := range sources {
			depth := 2.0 + 0.125*float64((i+5*j)%16)
			conf := 0.5 + 0.125*float64((i+j)%4)
			health := 0.4 + 0.14*float64((i+3*j)%5)
			if (i/10)%8 == j%8 {
				// Collapse this source for a decade of frames.
				health = 0.05
			}
			if (i+7*j)%23 == 22 {
				// Occasional invalid sample.
				conf = 0
			}
			f.Inputs = append(f.Inputs, fusion.SourceInput{
				Sample: fusion.SourceSample{
					SourceID:       id,
					Depth:          depth,
					Confidence:     conf,
					TimestampNanos: f.TimestampNanos,
				},
				Health: health,
			})
		}
		frames = append(frames, f)
	}
	return frames
}

// FramesFromCapture groups recorded datagrams into frames by timestamp
// bucket, preserving capture order inside each frame. Datagrams without an
// explicit health value replay at full health; the live daemon would have
// derived one from delivery stats, but a recording carries no delivery
// context.
func FramesFromCapture(samples []network.CapturedSample, period time.Duration) []fusion.Frame {
	if period <= 0 {
		period = syntheticPeriod
	}
	var frames []fusion.Frame
	haveBucket := false
	var bucket int64
	for _, s := range samples {
		b := s.Timestamp.UnixNano() / int64(period)
		if !haveBucket || b != bucket {
			frames = append(frames, fusion.Frame{
				Seq:            uint64(len(frames) + 1),
				TimestampNanos: s.Timestamp.UnixNano(),
			})
			bucket = b
			haveBucket = true
		}
		health := s.Datagram.Health
		if !s.Datagram.HasHealth() {
			health = 1.0
		}
		cur := len(frames) - 1
		frames[cur].Inputs = append(frames[cur].Inputs, fusion.SourceInput{
			Sample: s.Datagram.Sample,
			Health: health,
		})
	}
	return frames
}
