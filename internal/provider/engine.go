package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tunecache/internal/core"
)

const engineName = "engine"

// engineResolveRequest is the request body sent to the extraction service.
type engineResolveRequest struct {
	VideoID string `json:"videoId"`
	Title   string `json:"title,omitempty"`
	Artist  string `json:"artist,omitempty"`
}

// engineResolveResponse is the extraction service's response schema.
type engineResolveResponse struct {
	Success  bool   `json:"success"`
	AudioURL string `json:"audioUrl"`
	MimeType string `json:"mimeType"`
	Cached   bool   `json:"cached"`
	Error    string `json:"error"`
}

// Engine talks to the locally reachable extraction service. It is the
// preferred provider: best quality and most reliable when reachable.
type Engine struct {
	config *core.EngineConfig
	logger *zap.Logger
	client *http.Client
}

func NewEngine(config *core.EngineConfig, logger *zap.Logger) *Engine {
	return &Engine{
		config: config,
		logger: logger,
		client: newHTTPClient(),
	}
}

func (e *Engine) Name() string {
	return engineName
}

func (e *Engine) Timeout() time.Duration {
	return e.config.Timeout
}

// Resolve asks the extraction service for a ready-to-stream URL. An
// unconfigured engine is a permanent failure for the attempt, not an error:
// the pipeline simply moves on to the next provider.
func (e *Engine) Resolve(ctx context.Context, ref core.TrackRef) (*core.StreamHandle, error) {
	if e.config.URL == "" {
		return nil, core.NewPermanentError(engineName, "not configured", nil)
	}

	body, err := json.Marshal(engineResolveRequest{
		VideoID: ref.ID,
		Title:   ref.Title,
		Artist:  ref.Artist,
	})
	if err != nil {
		return nil, core.NewPermanentError(engineName, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.URL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, core.NewPermanentError(engineName, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(engineName, nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(engineName, resp, nil)
	}

	var decoded engineResolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, core.NewTransientError(engineName, "decode response", err)
	}

	if !decoded.Success || decoded.AudioURL == "" {
		reason := decoded.Error
		if reason == "" {
			reason = "no stream returned"
		}
		return nil, core.NewPermanentError(engineName, reason, nil)
	}

	e.logger.Debug("Engine resolved track",
		zap.String("trackID", ref.ID),
		zap.Bool("upstreamCached", decoded.Cached))

	mimeType := decoded.MimeType
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}

	return &core.StreamHandle{
		SourceURL: decoded.AudioURL,
		MimeType:  mimeType,
		Provider:  engineName,
	}, nil
}

// Probe checks the extraction service health endpoint.
func (e *Engine) Probe(ctx context.Context) error {
	if e.config.URL == "" {
		return fmt.Errorf("engine not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.URL+"/health", http.NoBody)
	if err != nil {
		return err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine health returned %d", resp.StatusCode)
	}
	return nil
}
