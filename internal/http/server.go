// Package http is the facade binding cache, queue and health monitor behind
// the service's external HTTP contract.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tunecache/internal/cache"
	"tunecache/internal/core"
)

// Submitter is the extraction queue as the facade sees it.
type Submitter interface {
	Submit(ctx context.Context, ref core.TrackRef) (*core.StreamHandle, error)
	Stats() core.QueueStats
}

// CacheReader is the slice of the cache store the facade reads.
type CacheReader interface {
	Get(key string) (*cache.Entry, bool)
	Stats() core.CacheSummary
}

// HealthSource supplies provider liveness for /health.
type HealthSource interface {
	Snapshot() []core.ProviderStatus
}

type Server struct {
	config  *core.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	metrics *Metrics
}

type Metrics struct {
	ResolutionsTotal   *prometheus.CounterVec
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	ErrorsTotal        *prometheus.CounterVec
	ResolutionDuration prometheus.Histogram
	CacheSizeBytes     prometheus.Gauge
	QueueDepth         prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunecache_resolutions_total",
				Help: "Total number of resolution requests",
			},
			[]string{"outcome"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tunecache_cache_hits_total",
				Help: "Total number of cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tunecache_cache_misses_total",
				Help: "Total number of cache misses",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunecache_errors_total",
				Help: "Total number of errors",
			},
			[]string{"component", "type"},
		),
		ResolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tunecache_resolution_duration_seconds",
				Help:    "Time spent resolving tracks on cache miss",
				Buckets: prometheus.DefBuckets,
			},
		),
		CacheSizeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tunecache_cache_size_bytes",
				Help: "Current total size of cached audio files",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tunecache_queue_depth",
				Help: "Number of extraction jobs currently in flight or queued",
			},
		),
	}
}

func NewServer(config *core.ServerConfig, logger *zap.Logger,
	queue Submitter, cacheStore CacheReader, health HealthSource) *Server {
	metrics := newMetrics()

	prometheus.MustRegister(
		metrics.ResolutionsTotal,
		metrics.CacheHitsTotal,
		metrics.CacheMissesTotal,
		metrics.ErrorsTotal,
		metrics.ResolutionDuration,
		metrics.CacheSizeBytes,
		metrics.QueueDepth,
	)

	handlers := &handlers{
		logger:  logger,
		queue:   queue,
		cache:   cacheStore,
		health:  health,
		metrics: metrics,
	}

	mux := setupRoutes(handlers)
	server := createHTTPServer(config, mux)

	return &Server{
		config:  config,
		logger:  logger,
		server:  server,
		metrics: metrics,
	}
}

func setupRoutes(h *handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /audio-url", h.handleAudioURL)
	mux.HandleFunc("GET /stream/{id}", h.handleStream)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func createHTTPServer(config *core.ServerConfig, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}

// handlers holds the request handlers so routes can be exercised in tests
// without touching the global prometheus registry.
type handlers struct {
	logger  *zap.Logger
	queue   Submitter
	cache   CacheReader
	health  HealthSource
	metrics *Metrics
}

// audioURLRequest is the /audio-url request body.
type audioURLRequest struct {
	VideoID string `json:"videoId"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
}

// audioURLResponse is the /audio-url response body.
type audioURLResponse struct {
	Success     bool   `json:"success"`
	AudioURL    string `json:"audioUrl,omitempty"`
	Cached      bool   `json:"cached,omitempty"`
	Approximate bool   `json:"approximate,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Error       string `json:"error,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// healthResponse is the /health response body.
type healthResponse struct {
	Status    string                `json:"status"`
	Cache     core.CacheSummary     `json:"cache"`
	Queue     core.QueueStats       `json:"queue"`
	Providers []core.ProviderStatus `json:"providers"`
}

// handleAudioURL walks a request through cache check, then enqueue on miss.
// Each request maps to exactly one traversal: hit→serve, or
// miss→resolve→serve, or miss→resolve→error.
func (h *handlers) handleAudioURL(w http.ResponseWriter, r *http.Request) {
	var req audioURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, audioURLResponse{
			Success: false,
			Error:   "InvalidRequest",
			Detail:  "request body must be JSON with a videoId field",
		})
		return
	}

	req.VideoID = strings.TrimSpace(req.VideoID)
	if req.VideoID == "" {
		h.writeJSON(w, http.StatusBadRequest, audioURLResponse{
			Success: false,
			Error:   "InvalidRequest",
			Detail:  "videoId is required",
		})
		return
	}

	if entry, ok := h.cache.Get(req.VideoID); ok {
		h.metrics.CacheHitsTotal.Inc()
		h.logger.Debug("Cache hit", zap.String("trackID", req.VideoID))
		h.writeJSON(w, http.StatusOK, audioURLResponse{
			Success:     true,
			AudioURL:    "/stream/" + entry.Key,
			Cached:      true,
			Approximate: entry.Approximate,
			Provider:    entry.Provider,
		})
		return
	}
	h.metrics.CacheMissesTotal.Inc()

	ref := core.TrackRef{
		ID:     req.VideoID,
		Title:  req.Title,
		Artist: req.Artist,
	}

	start := time.Now()
	handle, err := h.queue.Submit(r.Context(), ref)
	h.metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
	h.metrics.QueueDepth.Set(float64(h.queue.Stats().CurrentlyQueued))

	if err != nil {
		h.respondResolutionError(w, req.VideoID, err)
		return
	}

	h.metrics.ResolutionsTotal.WithLabelValues("success").Inc()

	resp := audioURLResponse{
		Success:     true,
		Approximate: handle.Approximate,
		Provider:    handle.Provider,
	}
	if handle.Cached {
		resp.AudioURL = "/stream/" + ref.ID
		resp.Cached = true
	} else {
		resp.AudioURL = handle.SourceURL
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) respondResolutionError(w http.ResponseWriter, trackID string, err error) {
	if errors.Is(err, context.Canceled) {
		// Caller went away; the extraction itself keeps running.
		h.logger.Debug("Request canceled while waiting for extraction",
			zap.String("trackID", trackID))
		return
	}

	if errors.Is(err, core.ErrAllProvidersExhausted) {
		h.metrics.ResolutionsTotal.WithLabelValues("exhausted").Inc()
		h.logger.Warn("All providers exhausted",
			zap.String("trackID", trackID),
			zap.Error(err))
		h.writeJSON(w, http.StatusServiceUnavailable, audioURLResponse{
			Success: false,
			Error:   "AllProvidersExhausted",
			Detail:  err.Error(),
		})
		return
	}

	h.metrics.ResolutionsTotal.WithLabelValues("error").Inc()
	h.metrics.ErrorsTotal.WithLabelValues("facade", "internal").Inc()
	h.logger.Error("Resolution failed",
		zap.String("trackID", trackID),
		zap.Error(err))
	h.writeJSON(w, http.StatusInternalServerError, audioURLResponse{
		Success: false,
		Error:   "InternalError",
		Detail:  err.Error(),
	})
}

// handleStream serves a cached track with Range support: 206 plus
// Content-Range for partial requests, 200 with the full body otherwise.
func (h *handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	entry, ok := h.cache.Get(id)
	if !ok {
		http.Error(w, "track not cached", http.StatusNotFound)
		return
	}

	f, err := os.Open(entry.FilePath)
	if err != nil {
		h.metrics.ErrorsTotal.WithLabelValues("facade", "cache_read").Inc()
		h.logger.Error("Failed to open cached file",
			zap.String("trackID", id),
			zap.Error(err))
		http.Error(w, "cached file unavailable", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", entry.MimeType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeContent(w, r, "", entry.CreatedAt, f)
}

// handleHealth reports liveness plus queue and cache summaries. It reads
// only cached snapshots and counters, never waiting on a resolution.
func (h *handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	summary := h.cache.Stats()
	h.metrics.CacheSizeBytes.Set(summary.TotalSizeMB * 1024 * 1024)

	h.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Cache:     summary,
		Queue:     h.queue.Stats(),
		Providers: h.health.Snapshot(),
	})
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", zap.Error(err))
	}
}
