// Package provider contains the upstream clients able to supply an audio
// stream for a track, one implementation per upstream.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tunecache/internal/core"
)

const (
	// maxHTTPRedirects is the maximum number of HTTP redirects to follow.
	maxHTTPRedirects = 3
)

// ErrTooManyRedirects is returned when too many redirects are encountered.
var ErrTooManyRedirects = errors.New("too many redirects")

// Provider resolves a track reference to a playable stream. Implementations
// must respect context cancellation as a hard deadline and classify every
// failure as a *core.ProviderError so the pipeline and queue can tell
// retryable outcomes from dead ends.
type Provider interface {
	// Name identifies the provider in logs, metrics and aggregate errors.
	Name() string

	// Timeout is the per-call deadline the pipeline applies to Resolve.
	Timeout() time.Duration

	// Resolve produces a stream handle for the track or a classified failure.
	Resolve(ctx context.Context, ref core.TrackRef) (*core.StreamHandle, error)

	// Probe checks upstream liveness for the health monitor.
	Probe(ctx context.Context) error
}

// newHTTPClient creates an HTTP client with a redirect cap. Call deadlines
// come from the request context, not the client, so the pipeline stays in
// control of cancellation.
func newHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxHTTPRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}

// asProviderError unwraps err into a *core.ProviderError if possible.
func asProviderError(err error, target **core.ProviderError) bool {
	return errors.As(err, target)
}

// classifyHTTPError converts a request error or a non-2xx status into a
// classified provider failure. Network errors, timeouts, 429 and 5xx are
// transient; 404 and the remaining 4xx are permanent for this track.
func classifyHTTPError(provider string, resp *http.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return core.NewTransientError(provider, "request timed out", err)
		}
		return core.NewTransientError(provider, "request failed", err)
	}

	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		return core.NewTransientError(provider, "rate limited", nil)
	case status >= 500:
		return core.NewTransientError(provider, fmt.Sprintf("upstream error %d", status), nil)
	case status == http.StatusNotFound:
		return core.NewPermanentError(provider, "not found", nil)
	default:
		return core.NewPermanentError(provider, fmt.Sprintf("unexpected status %d", status), nil)
	}
}
