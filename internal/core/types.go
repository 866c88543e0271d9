package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TrackRef identifies a track to resolve. The ID is an opaque external
// identifier; Title and Artist are descriptive metadata used by text-search
// fallback providers.
type TrackRef struct {
	ID     string
	Title  string
	Artist string
}

// Key returns the cache/dedup key for the track.
func (r TrackRef) Key() string {
	return r.ID
}

// StreamHandle is the result of a successful provider resolution.
type StreamHandle struct {
	SourceURL   string
	MimeType    string
	Provider    string
	Bitrate     int  // Kilobits per second, 0 when the provider does not report it.
	IsProxied   bool // True when SourceURL points at a relay rather than the origin.
	Approximate bool // True when the provider matched by fuzzy search and the track may differ.
	Cached      bool // True when SourceURL points into the local cache.
}

// FailureClass distinguishes retryable from non-retryable provider outcomes.
type FailureClass int

const (
	// FailureTransient covers timeouts, connection errors, 5xx and 429 responses
	FailureTransient FailureClass = iota
	// FailurePermanent covers 404s and empty search results
	FailurePermanent
)

func (fc FailureClass) String() string {
	if fc == FailurePermanent {
		return "permanent"
	}
	return "transient"
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Provider string
	Class    FailureClass
	Reason   string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Provider, e.Reason, e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Reason, e.Class)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth retrying later.
func (e *ProviderError) Transient() bool {
	return e.Class == FailureTransient
}

// NewTransientError creates a transient provider failure.
func NewTransientError(provider, reason string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Class: FailureTransient, Reason: reason, Err: err}
}

// NewPermanentError creates a permanent provider failure.
func NewPermanentError(provider, reason string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Class: FailurePermanent, Reason: reason, Err: err}
}

// AggregateError is returned when every provider in the pipeline failed.
// It keeps each provider's failure so the facade can report diagnostics
// instead of a bare "all sources failed".
type AggregateError struct {
	Failures []*ProviderError
}

func (e *AggregateError) Error() string {
	if len(e.Failures) == 0 {
		return "no providers configured"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}

// Transient reports whether at least one provider failed transiently,
// meaning a retry of the whole pipeline might succeed.
func (e *AggregateError) Transient() bool {
	for _, f := range e.Failures {
		if f.Transient() {
			return true
		}
	}
	return false
}

// ErrAllProvidersExhausted is the sentinel the facade matches to map an
// aggregate failure to a 503 response.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

func (e *AggregateError) Unwrap() error {
	return ErrAllProvidersExhausted
}

// QueueStats are process-wide extraction counters, reset on restart.
type QueueStats struct {
	TotalRequested  int64 `json:"totalRequested"`
	Succeeded       int64 `json:"succeeded"`
	Failed          int64 `json:"failed"`
	CurrentlyQueued int64 `json:"currentlyQueued"`
}

// CacheSummary is the cache state reported by /health.
type CacheSummary struct {
	TotalFiles  int     `json:"totalFiles"`
	TotalSizeMB float64 `json:"totalSizeMB"`
}

// ProviderStatus is one provider's liveness as seen by the health monitor.
type ProviderStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	LastProbe time.Time `json:"lastProbe"`
	LastError string    `json:"lastError,omitempty"`
}
