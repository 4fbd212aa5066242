package monitor

import (
	"fmt"
	"image/color"
	"log"
	"net/http"
	"sort"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/depth.fusion/internal/fusion/noise"
	"github.com/banshee-data/depth.fusion/internal/httputil"
)

const noiseCurvePoints = 200

// RenderNoisePlot builds a plot of the model's predicted sigma against
// depth, one curve per source, with each source's buffered fit samples
// overlaid as absolute-error points. samplesBySource may be nil. calib-fit
// saves the same plot to disk, so the builder is separate from the handler.
func RenderNoisePlot(model *noise.Model, samplesBySource map[string][]noise.FitSample, maxDepth, confidence float64) (*plot.Plot, error) {
	if model == nil {
		return nil, fmt.Errorf("no noise model to plot")
	}
	if maxDepth <= 0 {
		maxDepth = 10.0
	}
	if confidence <= 0 || confidence > 1 {
		confidence = 1.0
	}

	all := model.AllParams()
	names := make([]string, 0, len(all))
	for id := range all {
		if id == "" {
			continue
		}
		names = append(names, id)
	}
	sort.Strings(names)
	if len(names) == 0 {
		// Nothing calibrated yet; show the fallback curve alone.
		names = append(names, "")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Noise Model (confidence %.2f)", confidence)
	p.X.Label.Text = "Depth (m)"
	p.Y.Label.Text = "Sigma (m)"

	colors := plotColors(len(names))

	minDepth := maxDepth / float64(noiseCurvePoints)
	for i, id := range names {
		pts := make(plotter.XYs, 0, noiseCurvePoints)
		for j := 0; j <= noiseCurvePoints; j++ {
			d := minDepth + (maxDepth-minDepth)*float64(j)/float64(noiseCurvePoints)
			sigma, ok := model.Sigma(id, d, confidence)
			if !ok {
				continue
			}
			pts = append(pts, plotter.XY{X: d, Y: sigma})
		}

		label := id
		if label == "" {
			label = "fallback"
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(label, line)

		samples := samplesBySource[id]
		if len(samples) == 0 {
			continue
		}
		errPts := make(plotter.XYs, 0, len(samples))
		for _, s := range samples {
			errPts = append(errPts, plotter.XY{X: s.Depth, Y: s.AbsError()})
		}
		scatter, err := plotter.NewScatter(errPts)
		if err != nil {
			return nil, err
		}
		scatter.GlyphStyle.Color = colors[i]
		scatter.GlyphStyle.Radius = vg.Points(2)
		p.Add(scatter)
	}

	return p, nil
}

// handleNoisePNG renders the noise-model curves as a PNG. Debugging-only
// endpoint.
// Query params:
//   - max_depth (optional; default 10)
//   - confidence (optional; default 1.0)
func (ws *WebServer) handleNoisePNG(w http.ResponseWriter, r *http.Request) {
	if ws.model == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no noise model available")
		return
	}

	maxDepth := 10.0
	if v := r.URL.Query().Get("max_depth"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 && parsed <= 1000 {
			maxDepth = parsed
		}
	}
	confidence := 1.0
	if v := r.URL.Query().Get("confidence"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 && parsed <= 1 {
			confidence = parsed
		}
	}

	var samplesBySource map[string][]noise.FitSample
	if ws.fitSamples != nil {
		samplesBySource = make(map[string][]noise.FitSample)
		for id := range ws.model.AllParams() {
			if id == "" {
				continue
			}
			if s := ws.fitSamples(id); len(s) > 0 {
				samplesBySource[id] = s
			}
		}
	}

	p, err := RenderNoisePlot(ws.model, samplesBySource, maxDepth, confidence)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("build plot: %v", err))
		return
	}

	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render plot: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		log.Printf("write noise plot: %v", err)
	}
}

// plotColors spreads n hues evenly so adjacent series stay tellable apart.
func plotColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
