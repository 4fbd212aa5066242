package monitor

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/depth.fusion/internal/httputil"
)

// echartsAssetsPrefix is where chart pages load the echarts runtime from.
// The debug endpoints are for bench use, so the public CDN is acceptable.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleGateChart renders a line chart (HTML) of recent per-source gate
// trajectories using go-echarts. This is a debugging-only endpoint (no auth)
// to watch hysteresis and ramp behaviour without a frontend.
// Query params:
//   - limit (optional; default 200) number of recent frames to plot
func (ws *WebServer) handleGateChart(w http.ResponseWriter, r *http.Request) {
	if ws.history == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no result history available")
		return
	}

	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}

	results := ws.history.Recent(limit)
	if len(results) == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no fused results available")
		return
	}

	// Recent returns newest first; plot wants ascending frame order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}

	x := make([]string, 0, len(results))
	series := make(map[string][]opts.LineData)
	for i, res := range results {
		x = append(x, strconv.FormatUint(res.FrameSeq, 10))
		for _, c := range res.Contributions {
			s := series[c.SourceID]
			// Pad frames where this source was absent so every series
			// stays aligned to the shared axis.
			for len(s) < i {
				s = append(s, opts.LineData{Value: nil})
			}
			s = append(s, opts.LineData{Value: c.Gate.Float()})
			series[c.SourceID] = s
		}
	}
	for id, s := range series {
		for len(s) < len(results) {
			s = append(s, opts.LineData{Value: nil})
		}
		series[id] = s
	}

	names := make([]string, 0, len(series))
	for id := range series {
		names = append(names, id)
	}
	sort.Strings(names)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Fusion Gate Trajectories", Theme: "dark", Width: "900px", Height: "500px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Gate Trajectories", Subtitle: fmt.Sprintf("frames=%d sources=%d", len(results), len(names))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "gate", Min: 0, Max: 1}),
	)
	line.SetXAxis(x)
	for _, name := range names {
		line.AddSeries(name, series[name])
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleResidualChart renders a scatter (HTML) of buffered calibration
// samples for one source: absolute error against depth, coloured by
// confidence. Debugging-only endpoint.
// Query params:
//   - source (required)
func (ws *WebServer) handleResidualChart(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("source")
	if sourceID == "" {
		httputil.WriteJSONError(w, http.StatusBadRequest, "missing 'source' parameter")
		return
	}
	if ws.fitSamples == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no calibration sample buffer available")
		return
	}
	samples := ws.fitSamples(sourceID)
	if len(samples) == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no fit samples buffered for source")
		return
	}

	data := make([]opts.ScatterData, 0, len(samples))
	maxErr := 0.0
	for _, s := range samples {
		e := s.AbsError()
		if e > maxErr {
			maxErr = e
		}
		data = append(data, opts.ScatterData{Value: []interface{}{s.Depth, e, s.Confidence}})
	}

	pad := maxErr * 1.05
	if pad == 0 {
		pad = 0.01
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Calibration Residuals", Theme: "dark", Width: "900px", Height: "500px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Calibration Residuals", Subtitle: fmt.Sprintf("source=%s samples=%d", sourceID, len(samples))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "depth (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "abs error (m)", Min: 0, Max: pad, NameLocation: "middle", NameGap: 40}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        1,
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)

	scatter.AddSeries("residuals", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleDebugDashboard renders a simple dashboard with iframes to the debug charts.
func (ws *WebServer) handleDebugDashboard(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("source")
	safeSourceID := html.EscapeString(sourceID)
	qs := ""
	if sourceID != "" {
		qs = "?source=" + url.QueryEscape(sourceID)
	}
	safeQs := html.EscapeString(qs)

	doc := fmt.Sprintf(dashboardHTML, safeSourceID, safeQs, safeQs)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Fusion Debug Charts</title>
    <style>
        body { font-family: monospace; background-color: #1e1e1e; color: #d4d4d4; margin: 20px; }
        h1 { color: #4ec9b0; font-size: 1.4em; }
        iframe { border: 1px solid #3c3c3c; background-color: #1e1e1e; margin-bottom: 16px; }
        a { color: #569cd6; }
    </style>
</head>
<body>
    <h1>Fusion Debug Charts %s</h1>
    <iframe src="/debug/fusion/gates" width="940" height="560"></iframe>
    <iframe src="/debug/fusion/residuals%s" width="940" height="560"></iframe>
    <p><a href="/debug/fusion/noise.png%s">noise model curves (PNG)</a></p>
</body>
</html>`
