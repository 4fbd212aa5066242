// Package network carries depth samples between sensors and the fusion
// daemon: a protowire datagram codec, a UDP listener, a serial-line
// source, pcap capture/replay, and per-source delivery statistics.
package network

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/depth.fusion/internal/fusion"
)

// Wire field numbers for a sample datagram. The layout is a plain
// protobuf message, so publishers can emit samples with any protobuf
// library instead of linking this package.
const (
	fieldSourceID   = 1 // bytes
	fieldDepth      = 2 // fixed64, float64 bits
	fieldConfidence = 3 // fixed64, float64 bits
	fieldTimestamp  = 4 // varint, nanoseconds
	fieldHealth     = 5 // fixed64, float64 bits, optional
)

// ErrMalformed reports a payload that could not be decoded as a sample
// datagram.
var ErrMalformed = errors.New("malformed sample datagram")

// Datagram is one decoded sample payload. Health is NaN when the
// publisher did not include field 5; the daemon then falls back to the
// delivery-derived health score from the stats registry.
type Datagram struct {
	Sample fusion.SourceSample
	Health float64
}

// HasHealth reports whether the datagram carried an explicit health
// value.
func (d Datagram) HasHealth() bool { return !math.IsNaN(d.Health) }

// AppendSample appends the wire encoding of one sample to buf and
// returns the extended slice. Depth, confidence, and health travel as
// raw float64 bit patterns, so a decode recovers them bit-identically.
// Pass a NaN health to omit field 5.
func AppendSample(buf []byte, sample fusion.SourceSample, health float64) []byte {
	buf = protowire.AppendTag(buf, fieldSourceID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte(sample.SourceID))
	buf = protowire.AppendTag(buf, fieldDepth, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(sample.Depth))
	buf = protowire.AppendTag(buf, fieldConfidence, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(sample.Confidence))
	buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(sample.TimestampNanos))
	if !math.IsNaN(health) {
		buf = protowire.AppendTag(buf, fieldHealth, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, math.Float64bits(health))
	}
	return buf
}

// DecodeSample parses a sample datagram. Unknown fields are skipped so
// newer publishers stay compatible with older daemons. Source id and
// depth are required; a missing confidence decodes to zero (an invalid
// sample, not an error) and a missing timestamp to zero.
func DecodeSample(data []byte) (Datagram, error) {
	d := Datagram{Health: math.NaN()}
	var sawSource, sawDepth bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Datagram{}, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldSourceID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Datagram{}, fmt.Errorf("%w: source id: %v", ErrMalformed, protowire.ParseError(n))
			}
			d.Sample.SourceID = string(v)
			sawSource = true
			data = data[n:]
		case num == fieldDepth && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return Datagram{}, fmt.Errorf("%w: depth: %v", ErrMalformed, protowire.ParseError(n))
			}
			d.Sample.Depth = math.Float64frombits(v)
			sawDepth = true
			data = data[n:]
		case num == fieldConfidence && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return Datagram{}, fmt.Errorf("%w: confidence: %v", ErrMalformed, protowire.ParseError(n))
			}
			d.Sample.Confidence = math.Float64frombits(v)
			data = data[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Datagram{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, protowire.ParseError(n))
			}
			d.Sample.TimestampNanos = int64(v)
			data = data[n:]
		case num == fieldHealth && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return Datagram{}, fmt.Errorf("%w: health: %v", ErrMalformed, protowire.ParseError(n))
			}
			d.Health = math.Float64frombits(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Datagram{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if !sawSource || d.Sample.SourceID == "" {
		return Datagram{}, fmt.Errorf("%w: missing source id", ErrMalformed)
	}
	if !sawDepth {
		return Datagram{}, fmt.Errorf("%w: missing depth", ErrMalformed)
	}
	return d, nil
}
