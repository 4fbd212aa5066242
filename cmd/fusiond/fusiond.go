// Command fusiond runs the depth fusion daemon: it ingests per-source
// depth samples over UDP and serial, fuses each frame through the
// arbitration pipeline, refits noise calibration in the background, and
// serves the monitoring HTTP surface with a websocket result stream.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/depth.fusion/internal/config"
	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/fusion/arbiter"
	"github.com/banshee-data/depth.fusion/internal/fusion/calibdb"
	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
	"github.com/banshee-data/depth.fusion/internal/fusion/gate"
	"github.com/banshee-data/depth.fusion/internal/fusion/monitor"
	"github.com/banshee-data/depth.fusion/internal/fusion/network"
	"github.com/banshee-data/depth.fusion/internal/fusion/noise"
	"github.com/banshee-data/depth.fusion/internal/fusion/uncertainty"
	"github.com/banshee-data/depth.fusion/internal/version"
)

var (
	listen       = flag.String("listen", ":8081", "HTTP listen address")
	udpPort      = flag.Int("udp-port", 9716, "UDP port to listen for sample datagrams")
	udpAddress   = flag.String("udp-addr", "", "UDP bind address (default: listen on all interfaces)")
	serialDevice = flag.String("serial", "", "Serial device delivering JSON-line samples (optional)")
	dbFile       = flag.String("db", "fusion_calib.db", "Path to the calibration SQLite database")
	configPath   = flag.String("config", "", "Path to tuning config JSON (default: built-in defaults)")
	sourcesFlag  = flag.String("sources", "", "Comma-separated source IDs (overrides tuning config)")
	capturePath  = flag.String("capture", "", "Record every received datagram to this pcap file")
	bootstrapCSV = flag.String("bootstrap", "", "CSV of fit triples to seed the calibration worker")
	debugCharts  = flag.Bool("debug-charts", false, "Enable unauthenticated /debug/fusion chart endpoints")
	rcvBuf       = flag.Int("rcvbuf", 1<<20, "UDP receive buffer size in bytes")
	logInterval  = flag.Int("log-interval", 30, "Delivery statistics logging interval in seconds")
	verbosity    = flag.Int("v", 0, "Arbiter log tier: 0 ops, 1 adds diagnostic, 2 adds trace")
)

// maxFitBuffer bounds the per-source ground-truth buffer; the oldest
// triples fall off first.
const maxFitBuffer = 5000

type calibSubmission struct {
	sourceID string
	samples  []noise.FitSample
}

// calibWorker owns the ground-truth triple buffers and refits sources off
// the fusion path. Submissions arrive from the monitor's calibrate
// endpoint or the bootstrap CSV; refits run on the calibration interval
// and only touch sources with new data since their last fit. Fusion
// threads never wait on this worker.
type calibWorker struct {
	model    *noise.Model
	store    *calibdb.Store
	fitCfg   noise.FitConfig
	interval time.Duration
	submitCh chan calibSubmission

	mu      sync.Mutex
	buffers map[string][]noise.FitSample
	dirty   map[string]bool
}

func newCalibWorker(model *noise.Model, store *calibdb.Store, fitCfg noise.FitConfig, interval time.Duration) *calibWorker {
	return &calibWorker{
		model:    model,
		store:    store,
		fitCfg:   fitCfg,
		interval: interval,
		submitCh: make(chan calibSubmission, 64),
		buffers:  make(map[string][]noise.FitSample),
		dirty:    make(map[string]bool),
	}
}

// Submit queues fit triples for a source without blocking the caller. A
// full queue is an error the monitor reports back to the client.
func (w *calibWorker) Submit(sourceID string, samples []noise.FitSample) error {
	if sourceID == "" {
		return fmt.Errorf("calibration: source ID is required")
	}
	if len(samples) == 0 {
		return fmt.Errorf("calibration: no samples submitted")
	}
	select {
	case w.submitCh <- calibSubmission{sourceID: sourceID, samples: samples}:
		return nil
	default:
		return fmt.Errorf("calibration queue full, retry later")
	}
}

// Samples returns a copy of the buffered triples for one source.
func (w *calibWorker) Samples(sourceID string) []noise.FitSample {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := w.buffers[sourceID]
	out := make([]noise.FitSample, len(buf))
	copy(out, buf)
	return out
}

func (w *calibWorker) absorb(sub calibSubmission) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := append(w.buffers[sub.sourceID], sub.samples...)
	if over := len(buf) - maxFitBuffer; over > 0 {
		buf = buf[over:]
	}
	w.buffers[sub.sourceID] = buf
	w.dirty[sub.sourceID] = true
}

// Run drains submissions and refits dirty sources on the calibration
// interval until the context is cancelled.
func (w *calibWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub := <-w.submitCh:
			w.absorb(sub)
		case <-ticker.C:
			w.refitDirty()
		}
	}
}

func (w *calibWorker) refitDirty() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.dirty))
	for id := range w.dirty {
		ids = append(ids, id)
	}
	w.dirty = make(map[string]bool)
	w.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		w.refit(id)
	}
}

func (w *calibWorker) refit(sourceID string) {
	samples := w.Samples(sourceID)
	prior := w.model.ParamsFor(sourceID)

	fit, err := noise.Fit(samples, prior, w.fitCfg)
	if err != nil {
		if errors.Is(err, fusion.ErrInsufficientData) {
			log.Printf("Calibration %s: %d samples buffered, waiting for more", sourceID, len(samples))
		} else {
			log.Printf("Calibration %s failed: %v", sourceID, err)
		}
		return
	}

	if fit.Valid {
		w.model.Replace(sourceID, fit.Params)
	}

	runID, err := w.store.SaveFit(sourceID, fit)
	if err != nil {
		log.Printf("Calibration %s: persist failed: %v", sourceID, err)
		return
	}
	if fit.Valid {
		log.Printf("Calibration %s: installed run %s (quality %.2f, outliers %.1f%%, %d samples, %d iterations)",
			sourceID, runID, fit.FitQuality, 100*fit.OutlierRate, fit.Samples, fit.Iterations)
	} else {
		log.Printf("Calibration %s: fit rejected, run %s recorded (outliers %.1f%%, prior params kept)",
			sourceID, runID, 100*fit.OutlierRate)
	}
}

// readFitCSV parses ground-truth triples from path. Expected columns:
// source_id,depth,confidence,measured,truth. A header row is skipped.
func readFitCSV(path string) (map[string][]noise.FitSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 5

	out := make(map[string][]noise.FitSample)
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", line+1, err)
		}
		line++
		if line == 1 && rec[0] == "source_id" {
			continue
		}

		var vals [4]float64
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
			if err != nil {
				return nil, fmt.Errorf("record %d column %d: %w", line, i+2, err)
			}
			vals[i] = v
		}
		id := strings.TrimSpace(rec[0])
		if id == "" {
			return nil, fmt.Errorf("record %d: empty source ID", line)
		}
		out[id] = append(out[id], noise.FitSample{
			Depth:      vals[0],
			Confidence: vals[1],
			Measured:   vals[2],
			Truth:      vals[3],
		})
	}
	return out, nil
}

// installPersistedParams loads stored calibration into the live model so
// a restart picks up where the last fit left off.
func installPersistedParams(store *calibdb.Store, model *noise.Model) {
	persisted, err := store.AllParams()
	if err != nil {
		log.Printf("Warning: could not load persisted calibration: %v", err)
		return
	}
	for _, sp := range persisted {
		model.Replace(sp.SourceID, sp.Params)
	}
	if len(persisted) > 0 {
		log.Printf("Installed persisted calibration for %d sources", len(persisted))
	}
}

func splitSources(list string) []string {
	var out []string
	for _, id := range strings.Split(list, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}

	switch *verbosity {
	case 0:
		arbiter.SetLogWriters(os.Stderr, nil, nil)
	case 1:
		arbiter.SetLogWriters(os.Stderr, os.Stderr, nil)
	default:
		arbiter.SetLogWriters(os.Stderr, os.Stderr, os.Stderr)
	}

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		cfg = loaded
		log.Printf("Loaded tuning config from %s", *configPath)
	} else {
		log.Print("Using built-in tuning defaults")
	}

	be, err := detmath.BackendByName(cfg.GetNumericBackend())
	if err != nil {
		log.Fatalf("Invalid numeric backend: %v", err)
	}

	sources := cfg.GetSources()
	if *sourcesFlag != "" {
		sources = splitSources(*sourcesFlag)
	}
	if len(sources) == 0 {
		log.Fatal("At least one source ID is required")
	}

	gateCfg := gate.ConfigFromTuning(cfg)
	if err := gateCfg.Validate(); err != nil {
		log.Fatalf("Invalid gate config: %v", err)
	}
	tracker := gate.NewTracker(gateCfg)

	model := noise.NewModel(be, noise.ParamsFromTuning(cfg))

	store, err := calibdb.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open calibration database: %v", err)
	}
	defer store.Close()
	installPersistedParams(store, model)

	pairs, err := uncertainty.RegistryFromTuning(cfg)
	if err != nil {
		log.Fatalf("Invalid correlated pair config: %v", err)
	}
	prop, err := uncertainty.NewPropagator(be, pairs, uncertainty.ConfigFromTuning(cfg))
	if err != nil {
		log.Fatalf("Failed to build uncertainty propagator: %v", err)
	}

	arb, err := arbiter.New(arbiter.Options{
		Backend:    be,
		Tracker:    tracker,
		Model:      model,
		Propagator: prop,
	})
	if err != nil {
		log.Fatalf("Failed to build arbitrator: %v", err)
	}

	history := fusion.NewResultHistory(cfg.GetResultHistorySize())
	hub := monitor.NewHub()
	stats := network.NewStatsRegistry(cfg.GetFrameTimeout(), nil)

	collCfg := arbiter.CollectorConfigFromTuning(cfg)
	collCfg.Sources = sources
	collCfg.OnFrame = func(frame *fusion.Frame) {
		result, err := arb.Fuse(frame)
		if err != nil {
			// No-valid-source frames are already counted by the
			// arbitrator's own stats.
			if !errors.Is(err, fusion.ErrNoValidSource) {
				log.Printf("Fusion failed for frame %d: %v", frame.Seq, err)
			}
			return
		}
		history.Add(result)
		hub.BroadcastResult(result)
	}
	coll, err := arbiter.NewCollector(collCfg)
	if err != nil {
		log.Fatalf("Failed to build frame collector: %v", err)
	}
	defer coll.Close()

	var capture *network.CaptureWriter
	if *capturePath != "" {
		capture, err = network.NewCaptureWriter(*capturePath, uint16(*udpPort), nil)
		if err != nil {
			log.Fatalf("Failed to open capture file: %v", err)
		}
		defer capture.Close()
		log.Printf("Recording sample datagrams to %s", *capturePath)
	}

	// ingest resolves the effective health for every datagram: explicit
	// health from the wire wins, otherwise delivery statistics stand in.
	ingest := func(d network.Datagram) {
		health := d.Health
		if !d.HasHealth() {
			health = stats.HealthScore(d.Sample.SourceID)
		}
		coll.Offer(d.Sample, health)
	}

	var udpListenAddr string
	if *udpAddress == "" {
		udpListenAddr = fmt.Sprintf(":%d", *udpPort)
	} else {
		udpListenAddr = fmt.Sprintf("%s:%d", *udpAddress, *udpPort)
	}
	udpListener, err := network.NewUDPListener(network.UDPListenerConfig{
		Address: udpListenAddr,
		RcvBuf:  *rcvBuf,
		Handler: ingest,
		Stats:   stats,
		Capture: capture,
	})
	if err != nil {
		log.Fatalf("Failed to build UDP listener: %v", err)
	}

	var serialSource *network.SerialSource
	if *serialDevice != "" {
		port, err := network.NewSerialPort(*serialDevice)
		if err != nil {
			log.Fatalf("Failed to open serial device %s: %v", *serialDevice, err)
		}
		defer port.Close()
		serialSource, err = network.NewSerialSource(port, ingest, stats, nil)
		if err != nil {
			log.Fatalf("Failed to build serial source: %v", err)
		}
	}

	worker := newCalibWorker(model, store, noise.FitConfigFromTuning(cfg), cfg.GetCalibrationInterval())

	webserver := monitor.NewWebServer(monitor.WebServerConfig{
		Address:           *listen,
		Arbiter:           arb,
		Collector:         coll,
		Gates:             tracker,
		Model:             model,
		History:           history,
		Store:             store,
		Stats:             stats,
		Calibrate:         worker.Submit,
		FitSamples:        worker.Samples,
		Hub:               hub,
		EnableDebugCharts: *debugCharts,
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start UDP listener routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := udpListener.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("UDP listener error: %v", err)
		}
		log.Print("UDP listener routine terminated")
	}()

	// Serial source routine, when a device is configured
	if serialSource != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serialSource.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("Serial source error: %v", err)
			}
			log.Print("Serial source routine terminated")
		}()
	}

	// Websocket hub routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hub.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Result hub error: %v", err)
		}
	}()

	// Calibration worker routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Calibration worker error: %v", err)
		}
		log.Print("Calibration worker terminated")
	}()

	// HTTP server routine (Start blocks until ctx cancels, then shuts
	// down gracefully)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webserver.Start(ctx); err != nil {
			log.Printf("Web server error: %v", err)
		}
	}()

	// Periodic delivery statistics
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Duration(*logInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats.LogSummary()
			}
		}
	}()

	if *bootstrapCSV != "" {
		triples, err := readFitCSV(*bootstrapCSV)
		if err != nil {
			log.Fatalf("Failed to read bootstrap CSV: %v", err)
		}
		total := 0
		for id, samples := range triples {
			if err := worker.Submit(id, samples); err != nil {
				log.Printf("Bootstrap submit for %s: %v", id, err)
				continue
			}
			total += len(samples)
		}
		log.Printf("Bootstrapped %d fit triples for %d sources from %s", total, len(triples), *bootstrapCSV)
	}

	log.Printf("Fusion daemon %s up: sources %s, backend %s, frame timeout %v",
		version.String(), strings.Join(sources, ","), be.Name(), collCfg.FrameTimeout)

	// Wait for all goroutines to finish
	wg.Wait()
	log.Print("Graceful shutdown complete")
}
