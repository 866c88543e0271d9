// Package queue runs extraction jobs with bounded concurrency, deduplicating
// concurrent requests for the same track and retrying transient failures.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"tunecache/internal/cache"
	"tunecache/internal/core"
	"tunecache/internal/retry"
	"tunecache/internal/store"
)

// downloadTimeout caps how long materializing one stream into the cache may
// take. Generous because large files over slow upstreams are normal.
const downloadTimeout = 10 * time.Minute

// ErrRecentlyFailed is returned without invoking any provider when the track
// failed permanently within the failure-memory window.
var ErrRecentlyFailed = fmt.Errorf("track recently failed to resolve: %w", core.ErrAllProvidersExhausted)

// Resolver is the resolution pipeline as the queue sees it.
type Resolver interface {
	Resolve(ctx context.Context, ref core.TrackRef) (*core.StreamHandle, error)
}

// Cache is the slice of the cache store the queue populates.
type Cache interface {
	Put(ctx context.Context, key string, attrs cache.PutAttrs, body io.Reader) (*cache.Entry, error)
}

// job is one in-flight extraction. All subscribers wait on done and read the
// same result.
type job struct {
	done        chan struct{}
	handle      *core.StreamHandle
	err         error
	subscribers int
}

// Queue owns the in-flight job table. The table is the single shared mutable
// structure: checking for an existing job and registering a new one happen
// under one lock, which is what guarantees at most one extraction per key.
type Queue struct {
	resolver Resolver
	cache    Cache
	failures *store.FailureStore
	logger   *zap.Logger

	sem        *semaphore.Weighted
	retryCount int
	retryDelay time.Duration
	client     *http.Client

	mutex    sync.Mutex
	inflight map[string]*job

	totalRequested  atomic.Int64
	succeeded       atomic.Int64
	failed          atomic.Int64
	currentlyQueued atomic.Int64
}

func New(config *core.QueueConfig, resolver Resolver, cacheStore Cache, failures *store.FailureStore, logger *zap.Logger) *Queue {
	return &Queue{
		resolver:   resolver,
		cache:      cacheStore,
		failures:   failures,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(config.MaxConcurrentExtractions)),
		retryCount: config.RetryCount,
		retryDelay: config.RetryDelay,
		client:     &http.Client{},
		inflight:   make(map[string]*job),
	}
}

// Submit resolves the track, attaching to an existing in-flight job for the
// same key instead of starting a second one. The caller's context only
// bounds the wait: a caller going away never cancels the extraction, which
// keeps populating the cache for the other subscribers and for future
// requests.
func (q *Queue) Submit(ctx context.Context, ref core.TrackRef) (*core.StreamHandle, error) {
	q.totalRequested.Add(1)
	key := ref.Key()

	if q.failures != nil && q.failures.Failed(key) {
		q.logger.Debug("Skipping recently failed track", zap.String("trackID", key))
		return nil, ErrRecentlyFailed
	}

	j, isNew, subscribers := q.register(key)
	if isNew {
		go q.run(j, ref)
	} else {
		q.logger.Debug("Attached to in-flight extraction",
			zap.String("trackID", key),
			zap.Int("subscribers", subscribers))
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.done:
		return j.handle, j.err
	}
}

// register returns the job for the key, creating it when none is in flight.
// Check and insert happen under one lock. The subscriber count is returned
// by value so callers never read the shared field without the lock.
func (q *Queue) register(key string) (j *job, isNew bool, subscribers int) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if existing, ok := q.inflight[key]; ok {
		existing.subscribers++
		return existing, false, existing.subscribers
	}

	j = &job{
		done:        make(chan struct{}),
		subscribers: 1,
	}
	q.inflight[key] = j
	q.currentlyQueued.Add(1)
	return j, true, 1
}

// run executes one extraction job to completion on a detached context.
func (q *Queue) run(j *job, ref core.TrackRef) {
	key := ref.Key()

	// Detached from every subscriber on purpose; see Submit.
	jobCtx := context.Background()

	if err := q.sem.Acquire(jobCtx, 1); err != nil {
		q.settle(key, j, nil, err)
		return
	}
	defer q.sem.Release(1)

	var handle *core.StreamHandle
	err := retry.Do(jobCtx, q.retryCount, q.retryDelay, isTransient, func(ctx context.Context) error {
		var resolveErr error
		handle, resolveErr = q.resolver.Resolve(ctx, ref)
		return resolveErr
	})

	if err != nil {
		if !isTransient(err) && q.failures != nil {
			q.failures.Add(key)
		}
		q.settle(key, j, nil, err)
		return
	}

	q.materialize(jobCtx, key, handle)
	q.settle(key, j, handle, nil)
}

// materialize streams the resolved audio into the cache. Caching is
// best-effort: on any failure the handle keeps its direct upstream URL and
// the request still succeeds.
func (q *Queue) materialize(ctx context.Context, key string, handle *core.StreamHandle) {
	if q.cache == nil {
		return
	}

	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, handle.SourceURL, http.NoBody)
	if err != nil {
		q.logger.Warn("Cache population skipped, bad source URL",
			zap.String("trackID", key),
			zap.Error(err))
		return
	}

	resp, err := q.client.Do(req)
	if err != nil {
		q.logger.Warn("Cache population failed, serving direct stream",
			zap.String("trackID", key),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		q.logger.Warn("Cache population failed, serving direct stream",
			zap.String("trackID", key),
			zap.Int("status", resp.StatusCode))
		return
	}

	mimeType := handle.MimeType
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mimeType = ct
	}

	attrs := cache.PutAttrs{
		MimeType:    mimeType,
		Provider:    handle.Provider,
		Approximate: handle.Approximate,
	}
	if _, err := q.cache.Put(dlCtx, key, attrs, resp.Body); err != nil {
		q.logger.Warn("Cache write failed, serving direct stream",
			zap.String("trackID", key),
			zap.Error(err))
		return
	}

	handle.Cached = true
	q.logger.Info("Track cached",
		zap.String("trackID", key),
		zap.String("provider", handle.Provider))
}

// settle publishes the result to every subscriber and removes the job from
// the in-flight table so a later request can retry from scratch.
func (q *Queue) settle(key string, j *job, handle *core.StreamHandle, err error) {
	j.handle = handle
	j.err = err

	q.mutex.Lock()
	delete(q.inflight, key)
	q.mutex.Unlock()

	q.currentlyQueued.Add(-1)
	if err != nil {
		q.failed.Add(1)
		q.logger.Warn("Extraction failed",
			zap.String("trackID", key),
			zap.Int("subscribers", j.subscribers),
			zap.Error(err))
	} else {
		q.succeeded.Add(1)
	}

	close(j.done)
}

// Stats returns the process-wide extraction counters.
func (q *Queue) Stats() core.QueueStats {
	return core.QueueStats{
		TotalRequested:  q.totalRequested.Load(),
		Succeeded:       q.succeeded.Load(),
		Failed:          q.failed.Load(),
		CurrentlyQueued: q.currentlyQueued.Load(),
	}
}

// isTransient reports whether a resolution failure may succeed on retry.
func isTransient(err error) bool {
	var agg *core.AggregateError
	if errors.As(err, &agg) {
		return agg.Transient()
	}

	var perr *core.ProviderError
	if errors.As(err, &perr) {
		return perr.Transient()
	}

	// Unclassified failures default to retryable.
	return true
}
