// Package pipeline tries configured providers in priority order until one of
// them yields a playable stream.
package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"tunecache/internal/core"
	"tunecache/internal/provider"
)

// Pipeline iterates providers strictly in the configured priority order,
// applying each provider's own deadline and short-circuiting on the first
// success. Providers are never tried in parallel: parallelizing would burn
// upstream quota on results that get discarded.
type Pipeline struct {
	providers []provider.Provider
	logger    *zap.Logger
}

// New creates a pipeline over the given providers. Order matters: the slice
// is the priority order.
func New(providers []provider.Provider, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		providers: providers,
		logger:    logger,
	}
}

// Providers returns the configured providers in priority order.
func (p *Pipeline) Providers() []provider.Provider {
	return p.providers
}

// Resolve tries each provider once. A transient failure or timeout moves on
// to the next provider; retrying the whole chain with backoff is the
// extraction queue's job, so a single Resolve call stays bounded by the sum
// of per-provider timeouts. On total failure the returned *core.AggregateError
// carries every provider's reason.
func (p *Pipeline) Resolve(ctx context.Context, ref core.TrackRef) (*core.StreamHandle, error) {
	agg := &core.AggregateError{}

	for _, prov := range p.providers {
		if err := ctx.Err(); err != nil {
			agg.Failures = append(agg.Failures,
				core.NewTransientError(prov.Name(), "resolution canceled", err))
			return nil, agg
		}

		handle, err := p.resolveOne(ctx, prov, ref)
		if err == nil {
			p.logger.Info("Track resolved",
				zap.String("trackID", ref.ID),
				zap.String("provider", prov.Name()),
				zap.Bool("approximate", handle.Approximate))
			return handle, nil
		}

		perr := asProviderError(prov.Name(), err)
		agg.Failures = append(agg.Failures, perr)

		p.logger.Warn("Provider failed, falling through",
			zap.String("trackID", ref.ID),
			zap.String("provider", prov.Name()),
			zap.String("class", perr.Class.String()),
			zap.Error(err))
	}

	return nil, agg
}

// resolveOne invokes a single provider under its own hard deadline.
func (p *Pipeline) resolveOne(ctx context.Context, prov provider.Provider, ref core.TrackRef) (*core.StreamHandle, error) {
	callCtx, cancel := context.WithTimeout(ctx, prov.Timeout())
	defer cancel()

	return prov.Resolve(callCtx, ref)
}

// asProviderError normalizes arbitrary errors into classified provider
// failures; an unclassified error from a provider is treated as transient.
func asProviderError(providerName string, err error) *core.ProviderError {
	var perr *core.ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	return core.NewTransientError(providerName, "unclassified failure", err)
}
