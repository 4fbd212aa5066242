package monitor

import (
	"net/http"
	"strings"
	"testing"

	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
	"github.com/banshee-data/depth.fusion/internal/fusion/noise"
	"github.com/banshee-data/depth.fusion/internal/testutil"
)

// --- handleGateChart ---

func TestHandleGateChartNoHistory(t *testing.T) {
	ws := NewWebServer(WebServerConfig{})

	w := testutil.ServeFunc(t, ws.handleGateChart, http.MethodGet, "/debug/fusion/gates", nil)
	testutil.RequireStatus(t, w, http.StatusNotFound)
}

func TestHandleGateChartEmptyHistory(t *testing.T) {
	ws := NewWebServer(WebServerConfig{History: fusion.NewResultHistory(8)})

	w := testutil.ServeFunc(t, ws.handleGateChart, http.MethodGet, "/debug/fusion/gates", nil)
	testutil.RequireStatus(t, w, http.StatusNotFound)
}

func TestHandleGateChartRendersHTML(t *testing.T) {
	history := fusion.NewResultHistory(16)
	// stereo0 joins late so one series needs axis padding.
	history.Add(testResult(1, 2.0, "tof0"))
	history.Add(testResult(2, 2.1, "tof0"))
	history.Add(testResult(3, 2.2, "tof0", "stereo0"))

	ws := NewWebServer(WebServerConfig{History: history})

	w := testutil.ServeFunc(t, ws.handleGateChart, http.MethodGet, "/debug/fusion/gates?limit=10", nil)
	testutil.RequireStatus(t, w, http.StatusOK)

	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"Gate Trajectories", "tof0", "stereo0", echartsAssetsPrefix} {
		if !strings.Contains(body, want) {
			t.Errorf("chart body missing %q", want)
		}
	}
}

// --- handleResidualChart ---

func TestHandleResidualChartValidation(t *testing.T) {
	ws := NewWebServer(WebServerConfig{})

	w := testutil.ServeFunc(t, ws.handleResidualChart, http.MethodGet, "/debug/fusion/residuals", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing source: status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = testutil.ServeFunc(t, ws.handleResidualChart, http.MethodGet, "/debug/fusion/residuals?source=tof0", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("no provider: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleResidualChartRendersHTML(t *testing.T) {
	samples := []noise.FitSample{
		{Depth: 1.0, Confidence: 0.9, Measured: 1.02, Truth: 1.0},
		{Depth: 3.0, Confidence: 0.6, Measured: 3.08, Truth: 3.0},
		{Depth: 6.0, Confidence: 0.3, Measured: 6.20, Truth: 6.0},
	}
	ws := NewWebServer(WebServerConfig{
		FitSamples: func(sourceID string) []noise.FitSample {
			if sourceID != "tof0" {
				return nil
			}
			return samples
		},
	})

	w := testutil.ServeFunc(t, ws.handleResidualChart, http.MethodGet, "/debug/fusion/residuals?source=tof0", nil)
	testutil.RequireStatus(t, w, http.StatusOK)

	body := w.Body.String()
	if !strings.Contains(body, "Calibration Residuals") || !strings.Contains(body, "source=tof0 samples=3") {
		t.Errorf("chart body missing title or subtitle")
	}

	w = testutil.ServeFunc(t, ws.handleResidualChart, http.MethodGet, "/debug/fusion/residuals?source=unknown", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown source: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// --- handleDebugDashboard ---

func TestHandleDebugDashboard(t *testing.T) {
	ws := NewWebServer(WebServerConfig{})

	w := testutil.ServeFunc(t, ws.handleDebugDashboard, http.MethodGet, "/debug/fusion/dashboard?source=tof0", nil)
	testutil.RequireStatus(t, w, http.StatusOK)

	body := w.Body.String()
	if !strings.Contains(body, "/debug/fusion/gates") {
		t.Error("dashboard missing gates iframe")
	}
	if !strings.Contains(body, "/debug/fusion/residuals?source=tof0") {
		t.Error("dashboard missing residuals iframe with source query")
	}
}

func TestHandleDebugDashboardEscapesSource(t *testing.T) {
	ws := NewWebServer(WebServerConfig{})

	w := testutil.ServeFunc(t, ws.handleDebugDashboard, http.MethodGet, "/debug/fusion/dashboard?source=%3Cscript%3E", nil)
	if strings.Contains(w.Body.String(), "<script>") {
		t.Error("source query was not escaped")
	}
}

// --- handleNoisePNG ---

func TestHandleNoisePNG(t *testing.T) {
	model := noise.NewModel(detmath.Float(), noise.DefaultParams())
	model.Replace("tof0", noise.Params{SigmaBase: 0.03, Alpha: 1.2, Beta: 0.4, SigmaFloor: 0.004})

	ws := NewWebServer(WebServerConfig{
		Model: model,
		FitSamples: func(string) []noise.FitSample {
			return []noise.FitSample{{Depth: 2.0, Confidence: 0.8, Measured: 2.03, Truth: 2.0}}
		},
	})

	w := testutil.ServeFunc(t, ws.handleNoisePNG, http.MethodGet, "/debug/fusion/noise.png?max_depth=8&confidence=0.8", nil)
	testutil.RequireStatus(t, w, http.StatusOK)

	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	png := w.Body.Bytes()
	if len(png) < 8 || png[0] != 0x89 || string(png[1:4]) != "PNG" {
		t.Error("response is not a PNG")
	}
}

func TestHandleNoisePNGNoModel(t *testing.T) {
	ws := NewWebServer(WebServerConfig{})

	w := testutil.ServeFunc(t, ws.handleNoisePNG, http.MethodGet, "/debug/fusion/noise.png", nil)
	testutil.RequireStatus(t, w, http.StatusNotFound)
}
