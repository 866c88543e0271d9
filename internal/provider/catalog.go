package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"tunecache/internal/core"
	"tunecache/pkg/textnorm"
)

const catalogName = "catalog"

// highConfidenceSimilarity is the normalized-title similarity above which a
// catalog match is considered the requested recording rather than an
// approximation.
const highConfidenceSimilarity = 0.9

// catalogSearchResponse is the catalog's search response schema.
type catalogSearchResponse struct {
	Results []catalogResult `json:"results"`
}

type catalogResult struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Artist    string `json:"user_name"`
	StreamURL string `json:"stream_url"`
	MimeType  string `json:"mime_type"`
}

// Catalog performs fuzzy text search against a decentralized music catalog.
// It is the last-resort provider: a different catalog entirely, so results
// are best-effort and flagged approximate when the match is uncertain.
type Catalog struct {
	config     *core.CatalogConfig
	logger     *zap.Logger
	client     *http.Client
	normalizer *textnorm.Normalizer
}

func NewCatalog(config *core.CatalogConfig, logger *zap.Logger) *Catalog {
	return &Catalog{
		config:     config,
		logger:     logger,
		client:     newHTTPClient(),
		normalizer: textnorm.NewNormalizer(),
	}
}

func (c *Catalog) Name() string {
	return catalogName
}

func (c *Catalog) Timeout() time.Duration {
	return c.config.Timeout
}

// Resolve searches the catalog by normalized title/artist. Low-confidence
// matches (cover/remix/instrumental markers) are skipped while better
// candidates exist, but the best available match is returned rather than
// failing outright.
func (c *Catalog) Resolve(ctx context.Context, ref core.TrackRef) (*core.StreamHandle, error) {
	if c.config.URL == "" {
		return nil, core.NewPermanentError(catalogName, "not configured", nil)
	}
	if ref.Title == "" && ref.Artist == "" {
		return nil, core.NewPermanentError(catalogName, "no title or artist to search by", nil)
	}

	query := c.normalizer.NormalizeQuery(ref.Title, ref.Artist)

	results, err := c.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, core.NewPermanentError(catalogName, "no results", nil)
	}

	best, similarity := c.pickBestResult(ref, results)
	approximate := similarity < highConfidenceSimilarity || c.normalizer.LowConfidence(best.Title)

	c.logger.Debug("Catalog matched track",
		zap.String("trackID", ref.ID),
		zap.String("matchedTitle", best.Title),
		zap.Float64("similarity", similarity),
		zap.Bool("approximate", approximate))

	mimeType := best.MimeType
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}

	return &core.StreamHandle{
		SourceURL:   best.StreamURL,
		MimeType:    mimeType,
		Provider:    catalogName,
		Approximate: approximate,
	}, nil
}

func (c *Catalog) search(ctx context.Context, query string) ([]catalogResult, error) {
	endpoint := fmt.Sprintf("%s/v1/tracks/search?query=%s", c.config.URL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, core.NewPermanentError(catalogName, "build request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(catalogName, nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(catalogName, resp, nil)
	}

	var decoded catalogSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, core.NewTransientError(catalogName, "decode response", err)
	}

	results := make([]catalogResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		if r.StreamURL != "" {
			results = append(results, r)
		}
	}
	return results, nil
}

// pickBestResult scores every candidate by normalized title similarity,
// penalizing cover/remix markers so they only win when nothing better is
// available.
func (c *Catalog) pickBestResult(ref core.TrackRef, results []catalogResult) (catalogResult, float64) {
	wantTitle := c.normalizer.NormalizeTitle(ref.Title)

	best := results[0]
	bestScore := -1.0
	bestSimilarity := 0.0

	for _, r := range results {
		similarity := c.normalizer.CalculateSimilarity(wantTitle, c.normalizer.NormalizeTitle(r.Title))

		score := similarity
		if c.normalizer.LowConfidence(r.Title) {
			score -= 0.5
		}

		if score > bestScore {
			best = r
			bestScore = score
			bestSimilarity = similarity
		}
	}

	return best, bestSimilarity
}

// Probe runs a minimal search to confirm the catalog answers.
func (c *Catalog) Probe(ctx context.Context) error {
	if c.config.URL == "" {
		return fmt.Errorf("catalog not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL+"/health_check", http.NoBody)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog health returned %d", resp.StatusCode)
	}
	return nil
}
