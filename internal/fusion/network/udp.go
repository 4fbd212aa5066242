package network

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	// Address is the listen address, host:port. Port 0 binds an
	// ephemeral port; read it back with Listen.
	Address string

	// RcvBuf is the socket receive buffer size in bytes; zero keeps the
	// OS default.
	RcvBuf int

	// Handler receives every decoded datagram. Required.
	Handler func(Datagram)

	// Stats, when set, records per-source delivery counters.
	Stats *StatsRegistry

	// Capture, when set, records every raw payload before decoding, so
	// malformed traffic is preserved for diagnosis.
	Capture *CaptureWriter
}

// UDPListener receives sample datagrams. A single goroutine reads;
// decode failures are counted and logged, never fatal.
type UDPListener struct {
	cfg UDPListenerConfig

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewUDPListener validates the configuration. The socket is not bound
// until Listen or Run.
func NewUDPListener(cfg UDPListenerConfig) (*UDPListener, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("udp listener: address required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("udp listener: handler required")
	}
	return &UDPListener{cfg: cfg}, nil
}

// Name implements Source.
func (l *UDPListener) Name() string { return "udp" }

// Listen binds the socket without starting the read loop. Run calls it
// if needed; tests call it first to learn the bound port. Calling it
// twice returns the existing address.
func (l *UDPListener) Listen() (net.Addr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.LocalAddr(), nil
	}
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if l.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			log.Printf("Warning: failed to set UDP receive buffer to %d bytes: %v", l.cfg.RcvBuf, err)
		}
	}
	l.conn = conn
	return conn.LocalAddr(), nil
}

// Run reads datagrams until the context is cancelled. The read deadline
// loop keeps cancellation latency under 100ms without a second
// goroutine.
func (l *UDPListener) Run(ctx context.Context) error {
	if _, err := l.Listen(); err != nil {
		return err
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	defer conn.Close()

	log.Printf("UDP sample listener started on %s", conn.LocalAddr())

	// Sample datagrams are tens of bytes; one MTU of headroom is plenty.
	buffer := make([]byte, 2048)

	for {
		select {
		case <-ctx.Done():
			log.Print("UDP sample listener stopping")
			return ctx.Err()
		default:
			if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
				log.Printf("Error setting read deadline: %v", err)
				continue
			}

			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("UDP read error: %v", err)
				continue
			}

			l.handlePayload(buffer[:n])
		}
	}
}

// handlePayload captures, decodes, and dispatches one datagram. The
// buffer is reused by the read loop; the capture writer serializes into
// its own framing buffer and the decode copies what it keeps, so
// nothing retains the slice.
func (l *UDPListener) handlePayload(payload []byte) {
	if l.cfg.Capture != nil {
		if err := l.cfg.Capture.WritePayload(payload); err != nil {
			log.Printf("Capture write error: %v", err)
		}
	}
	d, err := DecodeSample(payload)
	if err != nil {
		if l.cfg.Stats != nil {
			l.cfg.Stats.RecordMalformed()
		}
		log.Printf("Dropping malformed datagram (%d bytes): %v", len(payload), err)
		return
	}
	if l.cfg.Stats != nil {
		l.cfg.Stats.RecordSample(d.Sample.SourceID, len(payload), d.Sample.Valid())
	}
	l.cfg.Handler(d)
}
