package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"

	"tunecache/internal/core"
)

const relayName = "relay"

// relayStreamsResponse is one mirror's response schema: a set of candidate
// streams for the same track at different bitrates.
type relayStreamsResponse struct {
	AudioStreams []relayStream `json:"audioStreams"`
}

type relayStream struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Bitrate  int    `json:"bitrate"`
}

// Relay queries interchangeable proxy mirror instances in sequence. A single
// mirror failing is non-fatal; only when every mirror has failed does the
// provider surface one classified result.
type Relay struct {
	config *core.RelayConfig
	logger *zap.Logger
	client *http.Client
}

func NewRelay(config *core.RelayConfig, logger *zap.Logger) *Relay {
	return &Relay{
		config: config,
		logger: logger,
		client: newHTTPClient(),
	}
}

func (r *Relay) Name() string {
	return relayName
}

func (r *Relay) Timeout() time.Duration {
	return r.config.Timeout
}

// Resolve fans over the configured mirrors and returns the highest-bitrate
// candidate from the first mirror that answers.
func (r *Relay) Resolve(ctx context.Context, ref core.TrackRef) (*core.StreamHandle, error) {
	if len(r.config.Mirrors) == 0 {
		return nil, core.NewPermanentError(relayName, "no mirrors configured", nil)
	}

	var lastErr *core.ProviderError
	sawTransient := false

	for _, mirror := range r.config.Mirrors {
		if ctx.Err() != nil {
			return nil, core.NewTransientError(relayName, "deadline exhausted across mirrors", ctx.Err())
		}

		handle, err := r.resolveViaMirror(ctx, mirror, ref)
		if err == nil {
			return handle, nil
		}

		var perr *core.ProviderError
		if !asProviderError(err, &perr) {
			perr = core.NewTransientError(relayName, "mirror failed", err)
		}
		if perr.Transient() {
			sawTransient = true
		}
		lastErr = perr

		r.logger.Debug("Relay mirror failed, trying next",
			zap.String("mirror", mirror),
			zap.String("trackID", ref.ID),
			zap.Error(err))
	}

	// A not-found from every mirror is permanent; any transient mirror
	// failure keeps the overall result retryable.
	if sawTransient {
		return nil, core.NewTransientError(relayName, "all mirrors failed", lastErr)
	}
	return nil, core.NewPermanentError(relayName, "track not found on any mirror", lastErr)
}

func (r *Relay) resolveViaMirror(ctx context.Context, mirror string, ref core.TrackRef) (*core.StreamHandle, error) {
	endpoint := fmt.Sprintf("%s/api/v1/streams/%s", mirror, url.PathEscape(ref.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, core.NewPermanentError(relayName, "build request", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(relayName, nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(relayName, resp, nil)
	}

	var decoded relayStreamsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, core.NewTransientError(relayName, "decode response", err)
	}

	best := pickBestStream(decoded.AudioStreams)
	if best == nil {
		return nil, core.NewPermanentError(relayName, "no audio streams in response", nil)
	}

	mimeType := best.MimeType
	if mimeType == "" {
		mimeType = "audio/webm"
	}

	return &core.StreamHandle{
		SourceURL: best.URL,
		MimeType:  mimeType,
		Provider:  relayName,
		Bitrate:   best.Bitrate,
		IsProxied: true,
	}, nil
}

// pickBestStream ranks candidate streams by bitrate and returns the highest.
func pickBestStream(streams []relayStream) *relayStream {
	candidates := make([]relayStream, 0, len(streams))
	for _, s := range streams {
		if s.URL != "" {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Bitrate > candidates[j].Bitrate
	})
	return &candidates[0]
}

// Probe checks the first reachable mirror.
func (r *Relay) Probe(ctx context.Context) error {
	if len(r.config.Mirrors) == 0 {
		return fmt.Errorf("no relay mirrors configured")
	}

	var lastErr error
	for _, mirror := range r.config.Mirrors {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mirror+"/healthcheck", http.NoBody)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return nil
		}
		lastErr = fmt.Errorf("mirror %s returned %d", mirror, resp.StatusCode)
	}
	return lastErr
}
