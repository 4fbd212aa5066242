// Command calib-fit runs the noise calibration fit offline against a CSV
// of ground-truth triples, prints the fitted parameters per source, and
// optionally persists them to the calibration database or renders the
// fitted curves to a PNG.
//
// Usage:
//
//	go run ./cmd/tools/calib-fit -csv triples.csv [flags]
//
// The CSV columns are source_id,depth,confidence,measured,truth; a header
// row is skipped. With -db, fits use the stored parameters as prior and
// valid results are installed; without it the prior comes from the tuning
// defaults.
package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/depth.fusion/internal/config"
	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/fusion/calibdb"
	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
	"github.com/banshee-data/depth.fusion/internal/fusion/monitor"
	"github.com/banshee-data/depth.fusion/internal/fusion/noise"
)

func main() {
	csvPath := flag.String("csv", "", "CSV of fit triples (required)")
	dbPath := flag.String("db", "", "Calibration database: prior source for fits, destination for results")
	pngPath := flag.String("png", "", "Write fitted noise curves with sample overlay to this PNG")
	configPath := flag.String("config", "", "Tuning config JSON (default: built-in defaults)")
	maxDepth := flag.Float64("max-depth", 10.0, "Plot depth range in metres")
	confidence := flag.Float64("confidence", 1.0, "Confidence level for the plotted curves")
	flag.Parse()

	if *csvPath == "" {
		log.Fatal("Error: -csv flag is required")
	}

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		cfg = loaded
	}
	fitCfg := noise.FitConfigFromTuning(cfg)
	fallback := noise.ParamsFromTuning(cfg)

	triples, err := readFitCSV(*csvPath)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *csvPath, err)
	}
	if len(triples) == 0 {
		log.Fatalf("No fit triples in %s", *csvPath)
	}

	var store *calibdb.Store
	if *dbPath != "" {
		store, err = calibdb.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open calibration database: %v", err)
		}
		defer store.Close()
	}

	sources := make([]string, 0, len(triples))
	for id := range triples {
		sources = append(sources, id)
	}
	sort.Strings(sources)

	be, err := detmath.BackendByName(cfg.GetNumericBackend())
	if err != nil {
		log.Fatalf("Invalid numeric backend: %v", err)
	}
	fitted := noise.NewModel(be, fallback)

	fmt.Printf("%-12s %8s %5s %8s %9s %8s %11s %7s %7s %8s %s\n",
		"SOURCE", "SAMPLES", "ITER", "QUALITY", "OUTLIERS", "MAD", "SIGMA_BASE", "ALPHA", "BETA", "FLOOR", "STATUS")

	installed := 0
	for _, id := range sources {
		prior := fallback
		if store != nil {
			if p, err := store.Params(id); err == nil {
				prior = p
			} else if !errors.Is(err, calibdb.ErrNotFound) {
				log.Fatalf("Failed to read prior for %s: %v", id, err)
			}
		}

		fit, err := noise.Fit(triples[id], prior, fitCfg)
		if err != nil {
			if errors.Is(err, fusion.ErrInsufficientData) {
				fmt.Printf("%-12s %8d %5s %8s %9s %8s %11s %7s %7s %8s too few samples (need %d)\n",
					id, len(triples[id]), "-", "-", "-", "-", "-", "-", "-", "-", fitCfg.MinSamples)
				continue
			}
			log.Fatalf("Fit for %s failed: %v", id, err)
		}

		status := "rejected"
		if fit.Valid {
			status = "ok"
			fitted.Replace(id, fit.Params)
			installed++
		}
		fmt.Printf("%-12s %8d %5d %8.3f %8.1f%% %8.4f %11.4f %7.3f %7.3f %8.4f %s\n",
			id, fit.Samples, fit.Iterations, fit.FitQuality, 100*fit.OutlierRate,
			fit.ResidualMAD, fit.Params.SigmaBase, fit.Params.Alpha, fit.Params.Beta,
			fit.Params.SigmaFloor, status)

		if store != nil {
			runID, err := store.SaveFit(id, fit)
			if err != nil {
				log.Fatalf("Failed to persist fit for %s: %v", id, err)
			}
			fmt.Printf("%-12s recorded run %s\n", "", runID)
		}
	}

	if *pngPath != "" {
		if installed == 0 {
			log.Fatal("No valid fits to plot")
		}
		p, err := monitor.RenderNoisePlot(fitted, triples, *maxDepth, *confidence)
		if err != nil {
			log.Fatalf("Failed to build plot: %v", err)
		}
		if err := p.Save(10*vg.Inch, 5*vg.Inch, *pngPath); err != nil {
			log.Fatalf("Failed to save plot: %v", err)
		}
		fmt.Printf("Noise curves: %s\n", *pngPath)
	}
}

// readFitCSV parses ground-truth triples from path, keyed by source.
// Expected columns: source_id,depth,confidence,measured,truth.
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
