package network

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"

	"go.bug.st/serial"

	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/timeutil"
	"github.com/banshee-data/depth.fusion/internal/units"
)

// SerialPortInterface is the port surface SerialSource consumes. The
// mock feeds canned lines so the record parsing is testable without
// hardware.
type SerialPortInterface interface {
	Lines() <-chan string
	Monitor(ctx context.Context) error
	Close() error
}

// SerialPort reads newline-delimited sample records from a physical
// serial device.
type SerialPort struct {
	serial.Port
	lines chan string
}

// NewSerialPort opens portName at 115200 8N1.
func NewSerialPort(portName string) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, err
	}

	return &SerialPort{port, make(chan string)}, nil
}

// Lines returns the channel of raw record lines read from the port.
func (p *SerialPort) Lines() <-chan string {
	return p.lines
}

// Close closes the serial port.
func (p *SerialPort) Close() error {
	return p.Port.Close()
}

// Monitor reads from the serial port and sends lines to the lines
// channel until the context is cancelled or the port errors out.
func (p *SerialPort) Monitor(ctx context.Context) error {
	defer p.Close()
	scan := bufio.NewScanner(p.Port)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if !scan.Scan() {
				return scan.Err()
			}
			select {
			case p.lines <- scan.Text():
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// MockSerialPort implements SerialPortInterface from a canned reader.
type MockSerialPort struct {
	Data      io.Reader
	LinesChan chan string
}

// Lines returns the mock line channel.
func (m *MockSerialPort) Lines() <-chan string {
	return m.LinesChan
}

// Monitor pushes every line from Data, then blocks until cancelled the
// way a quiet physical port would.
func (m *MockSerialPort) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.Data)
	for scan.Scan() {
		select {
		case m.LinesChan <- scan.Text():
		case <-ctx.Done():
			return nil
		}
	}

	<-ctx.Done()
	return nil
}

// Close is a no-op for the mock.
func (m *MockSerialPort) Close() error {
	return nil
}

// serialRecord is the line format bench sensors emit: one JSON object
// per line. Depth is read in the named unit (meters when absent), so a
// ToF module can report raw millimeters without firmware-side scaling.
// A nil health means the record did not carry one.
type serialRecord struct {
	SourceID       string   `json:"source_id"`
	Depth          float64  `json:"depth"`
	Unit           string   `json:"unit"`
	Confidence     float64  `json:"confidence"`
	TimestampNanos int64    `json:"timestamp_nanos"`
	Health         *float64 `json:"health"`
}

// SerialSource adapts a serial port into the Source interface: each
// line parses into a Datagram and goes to the handler. Records without
// a timestamp are stamped with the receive time.
type SerialSource struct {
	port    SerialPortInterface
	handler func(Datagram)
	stats   *StatsRegistry
	clock   timeutil.Clock
}

// NewSerialSource builds a SerialSource. stats may be nil; a nil clock
// uses the wall clock.
func NewSerialSource(port SerialPortInterface, handler func(Datagram), stats *StatsRegistry, clock timeutil.Clock) (*SerialSource, error) {
	if port == nil {
		return nil, fmt.Errorf("serial source: port required")
	}
	if handler == nil {
		return nil, fmt.Errorf("serial source: handler required")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SerialSource{port: port, handler: handler, stats: stats, clock: clock}, nil
}

// Name implements Source.
func (s *SerialSource) Name() string { return "serial" }

// Run pumps lines from the port until the context is cancelled. The
// port monitor runs on its own goroutine; the monitor returning ends
// the source.
func (s *SerialSource) Run(ctx context.Context) error {
	monitorErr := make(chan error, 1)
	go func() { monitorErr <- s.port.Monitor(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-monitorErr:
			return err
		case line, ok := <-s.port.Lines():
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			s.handleLine(line)
		}
	}
}

func (s *SerialSource) handleLine(line string) {
	if line == "" {
		return
	}
	var rec serialRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.SourceID == "" {
		if s.stats != nil {
			s.stats.RecordMalformed()
		}
		log.Printf("Dropping malformed serial record %q", line)
		return
	}
	if rec.Unit != "" && !units.IsValid(rec.Unit) {
		if s.stats != nil {
			s.stats.RecordMalformed()
		}
		log.Printf("Dropping serial record with unknown depth unit %q (accepted: %s)",
			rec.Unit, units.GetValidUnitsString())
		return
	}

	d := Datagram{
		Sample: fusion.SourceSample{
			SourceID:       rec.SourceID,
			Depth:          units.ToMeters(rec.Depth, rec.Unit),
			Confidence:     units.ClampConfidence(rec.Confidence),
			TimestampNanos: rec.TimestampNanos,
		},
		Health: math.NaN(),
	}
	if d.Sample.TimestampNanos == 0 {
		d.Sample.TimestampNanos = s.clock.Now().UnixNano()
	}
	if rec.Health != nil {
		d.Health = *rec.Health
	}

	if s.stats != nil {
		s.stats.RecordSample(d.Sample.SourceID, len(line), d.Sample.Valid())
	}
	s.handler(d)
}
