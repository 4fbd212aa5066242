package network

import (
	"errors"
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/depth.fusion/internal/fusion"
)

func TestAppendDecodeRoundTrip(t *testing.T) {
	sample := fusion.SourceSample{
		SourceID:       "stereo0",
		Depth:          1.0 / 3.0,
		Confidence:     0.87,
		TimestampNanos: 1700000000123456789,
	}

	buf := AppendSample(nil, sample, 0.91)
	d, err := DecodeSample(buf)
	if err != nil {
		t.Fatalf("DecodeSample returned error: %v", err)
	}

	if d.Sample.SourceID != "stereo0" {
		t.Errorf("Expected source 'stereo0', got %q", d.Sample.SourceID)
	}
	// The float fields travel as raw bit patterns, so the round trip
	// must be bit-exact, not merely close.
	if math.Float64bits(d.Sample.Depth) != math.Float64bits(sample.Depth) {
		t.Errorf("Depth bits changed: sent %x, got %x",
			math.Float64bits(sample.Depth), math.Float64bits(d.Sample.Depth))
	}
	if d.Sample.Confidence != 0.87 {
		t.Errorf("Expected confidence 0.87, got %v", d.Sample.Confidence)
	}
	if d.Sample.TimestampNanos != 1700000000123456789 {
		t.Errorf("Expected timestamp 1700000000123456789, got %d", d.Sample.TimestampNanos)
	}
	if !d.HasHealth() {
		t.Error("Expected HasHealth true for datagram with health field")
	}
	if d.Health != 0.91 {
		t.Errorf("Expected health 0.91, got %v", d.Health)
	}
}

func TestAppendSampleOmitsNaNHealth(t *testing.T) {
	sample := fusion.SourceSample{SourceID: "tof0", Depth: -0.5, Confidence: 0.2}

	buf := AppendSample(nil, sample, math.NaN())
	d, err := DecodeSample(buf)
	if err != nil {
		t.Fatalf("DecodeSample returned error: %v", err)
	}

	if d.HasHealth() {
		t.Error("Expected HasHealth false when health was NaN at encode time")
	}
	if !math.IsNaN(d.Health) {
		t.Errorf("Expected NaN health, got %v", d.Health)
	}
	if d.Sample.Depth != -0.5 {
		t.Errorf("Expected depth -0.5, got %v", d.Sample.Depth)
	}
}

func TestDecodeSampleSkipsUnknownFields(t *testing.T) {
	sample := fusion.SourceSample{SourceID: "mono-ml", Depth: 3.25, Confidence: 0.6, TimestampNanos: 42}
	buf := AppendSample(nil, sample, math.NaN())

	// A newer publisher adds fields this decoder has never heard of.
	buf = protowire.AppendTag(buf, 9, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 12345)
	buf = protowire.AppendTag(buf, 10, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte("future metadata"))

	d, err := DecodeSample(buf)
	if err != nil {
		t.Fatalf("DecodeSample returned error on unknown fields: %v", err)
	}
	if d.Sample.SourceID != "mono-ml" || d.Sample.Depth != 3.25 {
		t.Errorf("Known fields corrupted by unknown fields: %+v", d.Sample)
	}
}

func TestDecodeSampleMissingConfidence(t *testing.T) {
	// Source id and depth only. Confidence defaults to zero, which is
	// an invalid sample, not a decode error.
	var buf []byte
	buf = protowire.AppendTag(buf, fieldSourceID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte("stereo0"))
	buf = protowire.AppendTag(buf, fieldDepth, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(2.0))

	d, err := DecodeSample(buf)
	if err != nil {
		t.Fatalf("DecodeSample returned error: %v", err)
	}
	if d.Sample.Confidence != 0 {
		t.Errorf("Expected zero confidence, got %v", d.Sample.Confidence)
	}
	if d.Sample.Valid() {
		t.Error("Sample without confidence should not be valid")
	}
}

func TestDecodeSampleErrors(t *testing.T) {
	full := AppendSample(nil, fusion.SourceSample{
		SourceID: "stereo0", Depth: 1.5, Confidence: 0.9, TimestampNanos: 7,
	}, 0.8)

	var sourceOnly []byte
	sourceOnly = protowire.AppendTag(sourceOnly, fieldSourceID, protowire.BytesType)
	sourceOnly = protowire.AppendBytes(sourceOnly, []byte("stereo0"))

	var depthOnly []byte
	depthOnly = protowire.AppendTag(depthOnly, fieldDepth, protowire.Fixed64Type)
	depthOnly = protowire.AppendFixed64(depthOnly, math.Float64bits(1.0))

	emptySource := AppendSample(nil, fusion.SourceSample{Depth: 1.0, Confidence: 0.5}, math.NaN())

	tests := []struct {
		name string
		data []byte
	}{
		{"empty payload", nil},
		{"truncated mid-field", full[:len(full)-3]},
		{"single junk byte", []byte{0x07}},
		{"missing depth", sourceOnly},
		{"missing source", depthOnly},
		{"empty source id", emptySource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSample(tt.data)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestAppendSampleExtendsBuffer(t *testing.T) {
	first := AppendSample(nil, fusion.SourceSample{SourceID: "a", Depth: 1, Confidence: 1}, math.NaN())
	both := AppendSample(first, fusion.SourceSample{SourceID: "b", Depth: 2, Confidence: 1}, math.NaN())

	if len(both) <= len(first) {
		t.Fatalf("Expected second append to extend buffer, lengths %d then %d", len(first), len(both))
	}
	// The first datagram's bytes are untouched by the second append.
	d, err := DecodeSample(both[:len(first)])
	if err != nil {
		t.Fatalf("First datagram no longer decodes: %v", err)
	}
	if d.Sample.SourceID != "a" {
		t.Errorf("Expected source 'a', got %q", d.Sample.SourceID)
	}
}
