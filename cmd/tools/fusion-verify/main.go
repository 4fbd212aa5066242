// Command fusion-verify replays a sample schedule through throwaway
// fusion engines and asserts determinism: bit-identical fingerprints
// across repeated runs within each numeric backend, and agreement between
// backends within a raw quantization tolerance.
//
// Usage:
//
//	go run ./cmd/tools/fusion-verify [flags]
//
// Without -pcap the schedule is the built-in synthetic profile, which
// walks every gate transition. Golden flags pin one backend's fingerprint
// for CI: -write-golden saves it after a passing run, -golden compares
// against a saved file and fails the run on any drift.
//
// Exit status is 0 when every check passes, 1 otherwise.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/depth.fusion/internal/config"
	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/fusion/gate"
	"github.com/banshee-data/depth.fusion/internal/fusion/network"
	"github.com/banshee-data/depth.fusion/internal/fusion/noise"
	"github.com/banshee-data/depth.fusion/internal/fusion/uncertainty"
	"github.com/banshee-data/depth.fusion/internal/fusion/verify"
)

func main() {
	pcapPath := flag.String("pcap", "", "Replay a recorded sample capture instead of the synthetic profile")
	frameCount := flag.Int("frames", 200, "Synthetic frame count (ignored with -pcap)")
	sourcesFlag := flag.String("sources", "", "Comma-separated synthetic source IDs (default: tuning config)")
	period := flag.Duration("period", 0, "Frame grouping period for -pcap (default 50ms)")
	runs := flag.Int("runs", 0, "Replays per backend (default 100)")
	tolerance := flag.Int64("tolerance", 0, "Cross-backend tolerance in raw quantization steps (default 64)")
	goldenPath := flag.String("golden", "", "Compare the fingerprint against this golden file")
	writeGolden := flag.String("write-golden", "", "Write the fingerprint to this golden file after a passing run")
	goldenBackend := flag.String("golden-backend", "fixed", "Backend whose fingerprint the golden flags use")
	configPath := flag.String("config", "", "Tuning config JSON for the engine profile (default: built-in defaults)")
	flag.Parse()

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		loaded, err := config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		cfg = loaded
	}

	pairs, err := uncertainty.RegistryFromTuning(cfg)
	if err != nil {
		log.Fatalf("Invalid correlated pair config: %v", err)
	}
	harnessCfg := verify.DefaultHarnessConfig()
	harnessCfg.Runs = *runs
	harnessCfg.CrossToleranceRaw = *tolerance
	harnessCfg.GateConfig = gate.ConfigFromTuning(cfg)
	harnessCfg.FallbackParams = noise.ParamsFromTuning(cfg)
	harnessCfg.Uncertainty = uncertainty.ConfigFromTuning(cfg)
	harnessCfg.Pairs = pairs

	harness, err := verify.NewHarness(harnessCfg)
	if err != nil {
		log.Fatalf("Failed to build harness: %v", err)
	}

	var frames []fusion.Frame
	if *pcapPath != "" {
		samples, err := network.ReadAllSamples(*pcapPath)
		if err != nil {
			log.Fatalf("Failed to read capture: %v", err)
		}
		if len(samples) == 0 {
			log.Fatalf("No decodable samples in %s", *pcapPath)
		}
		frames = verify.FramesFromCapture(samples, *period)
		log.Printf("Replaying %d frames (%d samples) from %s", len(frames), len(samples), *pcapPath)
	} else {
		sources := cfg.GetSources()
		if *sourcesFlag != "" {
			sources = splitSources(*sourcesFlag)
		}
		frames = verify.SyntheticFrames(*frameCount, sources)
		log.Printf("Replaying %d synthetic frames for sources %s", len(frames), strings.Join(sources, ","))
	}

	started := time.Now()
	report, err := harness.Run(frames)
	if err != nil {
		log.Fatalf("Verification run failed: %v", err)
	}

	fmt.Printf("Verification %s: %d frames, %d runs per backend, %v elapsed\n",
		report.RunID, report.Frames, report.Runs, time.Since(started).Round(time.Millisecond))
	for _, be := range harnessCfg.Backends {
		if fp, ok := report.Fingerprints[be.Name()]; ok {
			fmt.Printf("  %-6s chain %016x over %d frames\n", be.Name(), fp.Chain, len(fp.Frames))
		}
	}

	failed := false
	if !report.Passed {
		failed = true
		fmt.Printf("\nDETERMINISM FAILURES (%d):\n", len(report.Mismatches))
		for i, m := range report.Mismatches {
			fmt.Printf("[%d] kind=%s backend=%s", i+1, m.Kind, m.Backend)
			if m.Run > 0 {
				fmt.Printf(" run=%d", m.Run)
			}
			fmt.Printf("\n%s\n", m.Diff)
		}
	}

	if *goldenPath != "" || *writeGolden != "" {
		fp, ok := report.Fingerprints[*goldenBackend]
		if !ok {
			log.Fatalf("No fingerprint for backend %q", *goldenBackend)
		}

		if *goldenPath != "" {
			want, err := verify.ReadGolden(*goldenPath)
			if err != nil {
				log.Fatalf("Failed to read golden: %v", err)
			}
			if diff := verify.CompareGolden(fp, want); diff != "" {
				failed = true
				fmt.Printf("\nGOLDEN MISMATCH against %s:\n%s\n", *goldenPath, diff)
			} else {
				fmt.Printf("Golden match: %s\n", *goldenPath)
			}
		}

		if *writeGolden != "" {
			if failed {
				fmt.Println("Refusing to write golden from a failing run")
			} else {
				if err := verify.WriteGolden(*writeGolden, fp); err != nil {
					log.Fatalf("Failed to write golden: %v", err)
				}
				fmt.Printf("Golden written: %s (backend %s)\n", *writeGolden, *goldenBackend)
			}
		}
	}

	if failed {
		fmt.Println("\nFAIL")
		os.Exit(1)
	}
	fmt.Println("\nPASS")
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
