package monitor

import (
	"strings"
	"testing"

	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
	"github.com/banshee-data/depth.fusion/internal/fusion/noise"
)

func TestRenderNoisePlotNilModel(t *testing.T) {
	if _, err := RenderNoisePlot(nil, nil, 10, 1); err == nil {
		t.Error("expected error for nil model")
	}
}

func TestRenderNoisePlotBuildsCurves(t *testing.T) {
	model := noise.NewModel(detmath.Float(), noise.DefaultParams())
	model.Replace("tof0", noise.Params{SigmaBase: 0.03, Alpha: 1.2, Beta: 0.4, SigmaFloor: 0.004})
	model.Replace("stereo0", noise.Params{SigmaBase: 0.05, Alpha: 1.8, Beta: 0.2, SigmaFloor: 0.008})

	samples := map[string][]noise.FitSample{
		"tof0": {{Depth: 2.0, Confidence: 0.9, Measured: 2.04, Truth: 2.0}},
	}

	p, err := RenderNoisePlot(model, samples, 8.0, 0.9)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if p == nil {
		t.Fatal("nil plot")
	}
	if !strings.Contains(p.Title.Text, "Noise Model") {
		t.Errorf("title = %q", p.Title.Text)
	}
	if p.X.Label.Text != "Depth (m)" || p.Y.Label.Text != "Sigma (m)" {
		t.Errorf("axis labels = %q, %q", p.X.Label.Text, p.Y.Label.Text)
	}
}

func TestRenderNoisePlotFallbackOnly(t *testing.T) {
	model := noise.NewModel(detmath.Float(), noise.DefaultParams())

	p, err := RenderNoisePlot(model, nil, 0, 0)
	if err != nil {
		t.Fatalf("render with defaults: %v", err)
	}
	if p == nil {
		t.Fatal("nil plot")
	}
}
