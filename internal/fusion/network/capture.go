package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/depth.fusion/internal/timeutil"
)

// Synthetic framing for captured payloads. Replays only read the UDP
// payload back out, so the addressing is cosmetic, but it keeps the
// files openable in standard pcap tooling.
var (
	captureSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	captureDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	captureSrcIP  = net.IPv4(127, 0, 0, 1)
	captureDstIP  = net.IPv4(127, 0, 0, 1)
)

const captureSnapLen = 65536

// CaptureWriter records sample payloads into a pcap file, wrapping each
// one in synthesized Ethernet/IPv4/UDP framing. Pure Go, no libpcap.
type CaptureWriter struct {
	clock timeutil.Clock
	port  uint16

	mu    sync.Mutex
	f     *os.File
	w     *pcapgo.Writer
	count int
}

// NewCaptureWriter creates path and writes the pcap file header. port
// is the synthetic UDP port stamped on every packet, normally the
// listener's.
func NewCaptureWriter(path string, port uint16, clock timeutil.Clock) (*CaptureWriter, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(captureSnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return &CaptureWriter{clock: clock, port: port, f: f, w: w}, nil
}

// WritePayload frames payload and appends it to the capture. Safe for
// concurrent use with the listener's read loop; the payload slice is
// not retained.
func (c *CaptureWriter) WritePayload(payload []byte) error {
	eth := layers.Ethernet{
		SrcMAC:       captureSrcMAC,
		DstMAC:       captureDstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    captureSrcIP,
		DstIP:    captureDstIP,
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(c.port),
		DstPort: layers.UDPPort(c.port),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return fmt.Errorf("capture checksum setup: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("capture framing: %w", err)
	}
	frame := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     c.clock.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return fmt.Errorf("capture file already closed")
	}
	if err := c.w.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("capture write: %w", err)
	}
	c.count++
	return nil
}

// PacketCount returns how many payloads have been written.
func (c *CaptureWriter) PacketCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Close closes the capture file. Further writes fail.
func (c *CaptureWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// CapturedSample is one decoded payload recovered from a capture, with
// its pcap capture timestamp.
type CapturedSample struct {
	Datagram  Datagram
	Timestamp time.Time
}

// CaptureReader walks a pcap produced by CaptureWriter, or any capture
// of the UDP sample feed, and yields decoded samples.
type CaptureReader struct {
	f       *os.File
	r       *pcapgo.Reader
	skipped int
}

// OpenCapture opens path for reading.
func OpenCapture(path string) (*CaptureReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	return &CaptureReader{f: f, r: r}, nil
}

// Next returns the next decoded sample. Packets that are not UDP, carry
// no payload, or fail to decode are skipped and counted. io.EOF signals
// the end of the capture.
func (r *CaptureReader) Next() (CapturedSample, error) {
	for {
		data, ci, err := r.r.ReadPacketData()
		if err != nil {
			return CapturedSample{}, err
		}

		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			r.skipped++
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			r.skipped++
			continue
		}

		d, err := DecodeSample(udp.Payload)
		if err != nil {
			r.skipped++
			continue
		}
		return CapturedSample{Datagram: d, Timestamp: ci.Timestamp}, nil
	}
}

// Skipped returns how many packets were passed over.
func (r *CaptureReader) Skipped() int { return r.skipped }

// Close closes the underlying file.
func (r *CaptureReader) Close() error { return r.f.Close() }

// ReadAllSamples loads every decodable sample from a capture in order.
func ReadAllSamples(path string) ([]CapturedSample, error) {
	cr, err := OpenCapture(path)
	if err != nil {
		return nil, err
	}
	defer cr.Close()

	var out []CapturedSample
	for {
		s, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
}
