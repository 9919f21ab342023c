package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/anim-stream-service/internal/config"
	"github.com/skypro1111/anim-stream-service/internal/metrics"
	"github.com/skypro1111/anim-stream-service/internal/stream"
)

// HTTPServer provides HTTP API endpoints for monitoring and, optionally,
// the backend RPC endpoint
type HTTPServer struct {
	server    *http.Server
	handler   http.Handler
	logger    *slog.Logger
	config    *config.Config
	pool      *stream.Pool
	udpServer *UDPServer
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	rpc       http.Handler

	startTime time.Time
}

// HTTPServerOptions carries the optional parts of the HTTP API
type HTTPServerOptions struct {
	// Gatherer backs /metrics; prometheus.DefaultGatherer when nil
	Gatherer prometheus.Gatherer
	// RPC is mounted at /v1/rpc when set
	RPC http.Handler
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config, pool *stream.Pool,
	udpServer *UDPServer, m *metrics.Metrics, opts HTTPServerOptions) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		pool:      pool,
		udpServer: udpServer,
		metrics:   m,
		gatherer:  opts.Gatherer,
		rpc:       opts.RPC,
		startTime: time.Now(),
	}
	if h.gatherer == nil {
		h.gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Websocket connections are long lived, so they are not timed
	if h.rpc != nil {
		mux.Handle("/v1/rpc", h.rpc)
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
		slog.Bool("rpc", h.rpc != nil),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	udpStats := h.udpServer.GetStatistics()
	poolStats := h.pool.Stats()

	status := "healthy"
	if poolStats.Available == 0 {
		status = "saturated"
	}

	writeJSON(w, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "anim-stream-service",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"udp_server": map[string]any{
				"status":            "running",
				"packets_received":  udpStats.PacketsReceived,
				"packets_processed": udpStats.PacketsProcessed,
				"parse_errors":      udpStats.ParseErrors,
				"queue_size":        udpStats.QueueSize,
			},
			"session_pool": map[string]any{
				"status":    "running",
				"slots":     poolStats.Slots,
				"available": poolStats.Available,
			},
			"backend": map[string]any{
				"type":     h.config.Backend.Type,
				"provider": h.config.Backend.Provider,
			},
		},
	})
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.pool.Snapshot()
	ingest := h.udpServer.Streams()

	writeJSON(w, map[string]any{
		"total_streams": len(sessions),
		"timestamp":     time.Now().UTC(),
		"streams":       sessions,
		"ingest":        ingest,
	})
}

// handleStreamDetail implements the /streams/{stream_id} endpoint
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streamIDStr := r.URL.Path[len("/streams/"):]
	if streamIDStr == "" {
		http.Error(w, "Stream ID required", http.StatusBadRequest)
		return
	}

	streamID, err := strconv.ParseInt(streamIDStr, 10, 64)
	if err != nil || streamID < 0 {
		http.Error(w, "Invalid stream ID", http.StatusBadRequest)
		return
	}

	for _, info := range h.pool.Snapshot() {
		if info.StreamID != streamID {
			continue
		}

		response := map[string]any{"session": info}
		for _, in := range h.udpServer.Streams() {
			if in.StreamID == streamID {
				response["ingest"] = in
				break
			}
		}
		writeJSON(w, response)
		return
	}

	http.Error(w, "Stream not found", http.StatusNotFound)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.config
	writeJSON(w, map[string]any{
		"server": map[string]any{
			"udp_port":               c.Server.UDPPort,
			"bind_address":           c.Server.BindAddress,
			"buffer_size":            c.Server.BufferSize,
			"max_concurrent_streams": c.Server.MaxConcurrentStreams,
			"workers":                c.Server.Workers,
			"reorder_window":         c.Server.ReorderWindow,
		},
		"audio": map[string]any{
			"target_sample_rate":      c.Audio.TargetSampleRate,
			"realtime_chunk_ms":       c.Audio.RealtimeChunkMs,
			"max_initial_chunk":       c.Audio.MaxInitialChunk,
			"minimum_initial_samples": c.Audio.MinimumInitialSamples,
			"stream_timeout":          c.Audio.StreamTimeout,
		},
		"backend": map[string]any{
			"type":        c.Backend.Type,
			"provider":    c.Backend.Provider,
			"model":       c.Backend.Model,
			"frame_rate":  c.Backend.FrameRate,
			"sample_rate": c.Backend.SampleRate,
			"stream_name": c.Backend.StreamName,
			"params":      c.Backend.Params,
			"remote_url":  c.Backend.Remote.URL,
		},
		"worker": map[string]any{
			"enabled":         c.Worker.Enabled,
			"stream_name":     c.Worker.StreamName,
			"max_retries":     c.Worker.MaxRetries,
			"retry_delay":     c.Worker.RetryDelay,
			"forward_address": c.Worker.ForwardAddress,
		},
		"pool": map[string]any{
			"reap_interval": c.Pool.ReapInterval,
			"idle_timeout":  c.Pool.IdleTimeout,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"udp":       h.udpServer.GetStatistics(),
		"pool":      h.pool.Stats(),
		"consumers": h.pool.Registry().Len(),
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	endpoints := map[string]any{
		"GET /":                    "API documentation",
		"GET /health":              "Service health check",
		"GET /streams":             "List active sessions and ingest streams",
		"GET /streams/{stream_id}": "Get detailed stream information",
		"GET /config":              "Get service configuration",
		"GET /stats":               "Get service statistics",
		"GET /metrics":             "Prometheus metrics",
	}
	if h.rpc != nil {
		endpoints["GET /v1/rpc"] = "Backend RPC over websocket"
	}

	writeJSON(w, map[string]any{
		"service":   "Animation Stream Service",
		"version":   "1.0.0",
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	})
}
