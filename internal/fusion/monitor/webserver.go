// Package monitor exposes the fusion engine's HTTP surface: JSON status
// endpoints, runtime parameter control, debug charts, and the websocket
// result stream.
package monitor

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/fusion/arbiter"
	"github.com/banshee-data/depth.fusion/internal/fusion/calibdb"
	"github.com/banshee-data/depth.fusion/internal/fusion/gate"
	"github.com/banshee-data/depth.fusion/internal/fusion/network"
	"github.com/banshee-data/depth.fusion/internal/fusion/noise"
	"github.com/banshee-data/depth.fusion/internal/httputil"
	"github.com/banshee-data/depth.fusion/internal/timeutil"
	"github.com/banshee-data/depth.fusion/internal/version"
)

//go:embed status.html
var StatusHTML embed.FS

// CalibrateFunc accepts fit triples for one source. The monitor never fits
// in the request goroutine; the daemon wires this to the calibration
// worker's submit queue.
type CalibrateFunc func(sourceID string, samples []noise.FitSample) error

// WebServer handles the HTTP interface for monitoring the fusion engine.
// It provides endpoints for health checks, gate and noise-model state,
// recent results, and calibration submission.
type WebServer struct {
	address    string
	arbiter    *arbiter.Arbitrator
	collector  *arbiter.Collector
	gates      *gate.Tracker
	model      *noise.Model
	history    *fusion.ResultHistory
	store      *calibdb.Store
	stats      *network.StatsRegistry
	calibrate  CalibrateFunc
	fitSamples func(sourceID string) []noise.FitSample
	hub        *Hub
	debug      bool
	clock      timeutil.Clock
	started    time.Time
	server     *http.Server
}

// WebServerConfig contains configuration options for the web server.
// Every collaborator is optional; handlers that need a missing one answer
// with an error status instead of panicking.
type WebServerConfig struct {
	Address    string
	Arbiter    *arbiter.Arbitrator
	Collector  *arbiter.Collector
	Gates      *gate.Tracker
	Model      *noise.Model
	History    *fusion.ResultHistory
	Store      *calibdb.Store
	Stats      *network.StatsRegistry
	Calibrate  CalibrateFunc
	FitSamples func(sourceID string) []noise.FitSample
	Hub        *Hub

	// EnableDebugCharts registers the /debug/fusion endpoints. They are
	// unauthenticated and render full history, so daemons keep them off
	// unless asked.
	EnableDebugCharts bool

	Clock timeutil.Clock
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ws := &WebServer{
		address:    config.Address,
		arbiter:    config.Arbiter,
		collector:  config.Collector,
		gates:      config.Gates,
		model:      config.Model,
		history:    config.History,
		store:      config.Store,
		stats:      config.Stats,
		calibrate:  config.Calibrate,
		fitSamples: config.FitSamples,
		hub:        config.Hub,
		debug:      config.EnableDebugCharts,
		clock:      clock,
		started:    clock.Now(),
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}

	return ws
}

// Start begins the HTTP server in a goroutine and handles graceful shutdown
func (ws *WebServer) Start(ctx context.Context) error {
	// Start server in a goroutine so it doesn't block
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Wait for context cancellation to shut down server
	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	// Create a shutdown context with a shorter timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatusPage)
	mux.HandleFunc("/api/fusion/status", ws.handleStatus)
	mux.HandleFunc("/api/fusion/gates", ws.handleGates)
	mux.HandleFunc("/api/fusion/gates/reset", ws.handleGateReset)
	mux.HandleFunc("/api/fusion/params", ws.handleParams)
	mux.HandleFunc("/api/fusion/results", ws.handleResults)
	mux.HandleFunc("/api/fusion/runs", ws.handleRuns)
	mux.HandleFunc("/api/fusion/calibrate", ws.handleCalibrate)

	if ws.hub != nil {
		mux.HandleFunc("/ws/results", ws.handleWS)
	}

	if ws.debug {
		mux.HandleFunc("/debug/fusion/dashboard", ws.handleDebugDashboard)
		mux.HandleFunc("/debug/fusion/gates", ws.handleGateChart)
		mux.HandleFunc("/debug/fusion/residuals", ws.handleResidualChart)
		mux.HandleFunc("/debug/fusion/noise.png", ws.handleNoisePNG)
	}

	return mux
}

// handleHealth handles the health check endpoint
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "fusion", "version": "%s", "timestamp": "%s"}`,
		version.Version, ws.clock.Now().UTC().Format(time.RFC3339))
}

// handleStatusPage handles the main status page endpoint
func (ws *WebServer) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")

	// Load and parse the HTML template from embedded filesystem
	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		http.Error(w, "Error loading template: "+err.Error(), http.StatusInternalServerError)
		return
	}

	var sources []network.SourceStatus
	if ws.stats != nil {
		sources = ws.stats.Snapshot()
	}
	var gates []gate.SourceGateStatus
	if ws.gates != nil {
		gates = ws.gates.Snapshot()
	}
	var arb arbiter.Stats
	if ws.arbiter != nil {
		arb = ws.arbiter.Stats()
	}
	var latest *fusion.Result
	if ws.history != nil {
		latest = ws.history.Latest()
	}

	data := struct {
		HTTPAddress string
		Uptime      string
		Arbiter     arbiter.Stats
		Sources     []network.SourceStatus
		Gates       []gate.SourceGateStatus
		Latest      *fusion.Result
		DebugOn     bool
	}{
		HTTPAddress: ws.address,
		Uptime:      ws.clock.Since(ws.started).Round(time.Second).String(),
		Arbiter:     arb,
		Sources:     sources,
		Gates:       gates,
		Latest:      latest,
		DebugOn:     ws.debug,
	}

	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleStatus returns engine counters and per-source delivery stats as JSON.
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := struct {
		Service       string                 `json:"service"`
		Uptime        string                 `json:"uptime"`
		Arbiter       arbiter.Stats          `json:"arbiter"`
		Collector     arbiter.CollectorStats `json:"collector"`
		PendingFrames int                    `json:"pending_frames"`
		Malformed     int64                  `json:"malformed_payloads"`
		Sources       []network.SourceStatus `json:"sources"`
	}{
		Service: "fusion",
		Uptime:  ws.clock.Since(ws.started).Round(time.Second).String(),
	}
	if ws.arbiter != nil {
		resp.Arbiter = ws.arbiter.Stats()
	}
	if ws.collector != nil {
		resp.Collector = ws.collector.Stats()
		resp.PendingFrames, _ = ws.collector.Pending()
	}
	if ws.stats != nil {
		resp.Malformed = ws.stats.Malformed()
		resp.Sources = ws.stats.Snapshot()
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// handleGates returns the gate tracker snapshot as JSON.
func (ws *WebServer) handleGates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.gates == nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "no gate tracker configured")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.gates.Snapshot())
}

// handleGateReset clears one source's gate state, for operator recovery
// after a hard disable.
// Query params:
//
//	source (required)
func (ws *WebServer) handleGateReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	sourceID := r.URL.Query().Get("source")
	if sourceID == "" {
		httputil.WriteJSONError(w, http.StatusBadRequest, "missing 'source' parameter")
		return
	}
	if ws.gates == nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "no gate tracker configured")
		return
	}
	ws.gates.Reset(sourceID)
	log.Printf("gate state reset for source %s", sourceID)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "reset", "source_id": sourceID})
}

// handleParams serves the live noise-model table (GET) or installs a
// runtime override for one source (POST). Overrides are in-memory only;
// calibration fits are what persist to the store.
func (ws *WebServer) handleParams(w http.ResponseWriter, r *http.Request) {
	if ws.model == nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "no noise model configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		all := ws.model.AllParams()
		resp := struct {
			Fallback noise.Params            `json:"fallback"`
			Sources  map[string]noise.Params `json:"sources"`
		}{
			Fallback: all[""],
			Sources:  make(map[string]noise.Params, len(all)),
		}
		for id, p := range all {
			if id == "" {
				continue
			}
			resp.Sources[id] = p
		}
		httputil.WriteJSON(w, http.StatusOK, resp)

	case http.MethodPost:
		var req struct {
			SourceID string       `json:"source_id"`
			Params   noise.Params `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
			return
		}
		if req.SourceID == "" {
			httputil.WriteJSONError(w, http.StatusBadRequest, "missing 'source_id' field")
			return
		}
		if err := req.Params.Validate(); err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid params: %v", err))
			return
		}
		ws.model.Replace(req.SourceID, req.Params)
		log.Printf("noise params override installed for source %s", req.SourceID)
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "source_id": req.SourceID})

	default:
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleResults returns the most recent fused results, newest first.
// Query params:
//
//	limit (optional, default 20)
func (ws *WebServer) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.history == nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "no result history configured")
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
		if limit <= 0 || limit > 1000 {
			limit = 20
		}
	}
	results := ws.history.Recent(limit)
	if results == nil {
		results = []*fusion.Result{}
	}
	httputil.WriteJSON(w, http.StatusOK, results)
}

// handleRuns returns recent calibration runs for one source.
// Query params:
//
//	source (required)
//	limit (optional, default 20)
func (ws *WebServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	sourceID := r.URL.Query().Get("source")
	if sourceID == "" {
		httputil.WriteJSONError(w, http.StatusBadRequest, "missing 'source' parameter")
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
		if limit <= 0 || limit > 100 {
			limit = 20
		}
	}
	if ws.store == nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "no calibration store configured")
		return
	}
	runs, err := ws.store.RecentRuns(sourceID, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get recent runs: %v", err))
		return
	}
	if runs == nil {
		runs = []calibdb.Run{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

// handleCalibrate accepts fit triples and hands them to the calibration
// worker. The fit itself runs off the request path; a 202 means queued,
// not fitted.
func (ws *WebServer) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.calibrate == nil {
		httputil.WriteJSONError(w, http.StatusNotImplemented, "no calibration worker configured")
		return
	}

	var req struct {
		SourceID string            `json:"source_id"`
		Samples  []noise.FitSample `json:"samples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	if req.SourceID == "" {
		httputil.WriteJSONError(w, http.StatusBadRequest, "missing 'source_id' field")
		return
	}
	if len(req.Samples) == 0 {
		httputil.WriteJSONError(w, http.StatusBadRequest, "no samples provided")
		return
	}

	if err := ws.calibrate(req.SourceID, req.Samples); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("submit calibration samples: %v", err))
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "queued",
		"source_id": req.SourceID,
		"samples":   len(req.Samples),
	})
}

// handleWS upgrades the connection and registers it with the result hub.
func (ws *WebServer) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWS(ws.hub, w, r)
}
