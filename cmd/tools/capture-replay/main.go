// Command capture-replay re-emits a recorded sample capture over UDP,
// so a live fusiond can be driven from a .pcap taken in the field.
//
// Usage:
//
//	go run ./cmd/tools/capture-replay -pcap capture.pcap [flags]
//
// Flags:
//
//	-pcap      Path to the recorded capture (required)
//	-target    UDP address to replay to (default: localhost:9716)
//	-rate      Pacing multiplier; 2 plays twice as fast, 0 removes all delay
//	-loop      Loop playback when reaching the end
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/depth.fusion/internal/fusion/network"
)

func main() {
	pcapPath := flag.String("pcap", "", "Path to the recorded sample capture (required)")
	target := flag.String("target", "localhost:9716", "UDP address to replay to")
	rate := flag.Float64("rate", 1.0, "Pacing multiplier relative to the recorded timing; 0 replays without delay")
	loop := flag.Bool("loop", false, "Loop playback when reaching the end")
	flag.Parse()

	if *pcapPath == "" {
		log.Fatal("Error: -pcap flag is required")
	}
	if *rate < 0 {
		log.Fatal("Error: -rate must be non-negative")
	}

	samples, err := network.ReadAllSamples(*pcapPath)
	if err != nil {
		log.Fatalf("Failed to read capture: %v", err)
	}
	if len(samples) == 0 {
		log.Fatalf("No decodable samples in %s", *pcapPath)
	}
	span := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp)
	log.Printf("Loaded %d samples spanning %v from %s",
		len(samples), span.Round(time.Millisecond), *pcapPath)

	addr, err := net.ResolveUDPAddr("udp", *target)
	if err != nil {
		log.Fatalf("Failed to resolve target address: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Fatalf("Failed to dial target: %v", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Replaying to %s at %gx pacing", *target, *rate)

	pass := 0
	for {
		pass++
		sent, bytes, err := replayOnce(ctx, conn, samples, *rate)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Printf("Replay interrupted after %d packets", sent)
			} else {
				log.Printf("Replay failed: %v", err)
			}
			return
		}
		log.Printf("Pass %d complete: %d packets, %d bytes", pass, sent, bytes)
		if !*loop {
			return
		}
	}
}

// replayOnce walks the capture once, pacing each packet by the recorded
// inter-arrival gap scaled by rate.
func replayOnce(ctx context.Context, conn *net.UDPConn, samples []network.CapturedSample, rate float64) (int, int64, error) {
	var sent int
	var bytes int64
	buf := make([]byte, 0, 64)

	for i, s := range samples {
		if i > 0 && rate > 0 {
			if gap := s.Timestamp.Sub(samples[i-1].Timestamp); gap > 0 {
				select {
				case <-ctx.Done():
					return sent, bytes, ctx.Err()
				case <-time.After(time.Duration(float64(gap) / rate)):
				}
			}
		} else if ctx.Err() != nil {
			return sent, bytes, ctx.Err()
		}

		payload := network.AppendSample(buf[:0], s.Datagram.Sample, s.Datagram.Health)
		n, err := conn.Write(payload)
		if err != nil {
			return sent, bytes, fmt.Errorf("write packet %d: %w", i, err)
		}
		sent++
		bytes += int64(n)
	}
	return sent, bytes, nil
}
