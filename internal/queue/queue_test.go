package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"tunecache/internal/core"
	"tunecache/internal/store"
)

// stubResolver is a scriptable pipeline for queue tests.
type stubResolver struct {
	delay      time.Duration
	handle     *core.StreamHandle
	err        error
	calls      atomic.Int32
	concurrent atomic.Int32
	maxSeen    atomic.Int32
}

func (s *stubResolver) Resolve(ctx context.Context, _ core.TrackRef) (*core.StreamHandle, error) {
	s.calls.Add(1)

	cur := s.concurrent.Add(1)
	for {
		seen := s.maxSeen.Load()
		if cur <= seen || s.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	defer s.concurrent.Add(-1)

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.handle, nil
}

func testConfig() *core.QueueConfig {
	return &core.QueueConfig{
		MaxConcurrentExtractions: 10,
		RetryCount:               2,
		RetryDelay:               time.Millisecond,
	}
}

func testRef(id string) core.TrackRef {
	return core.TrackRef{ID: id, Title: "Song", Artist: "Artist"}
}

func TestQueue_DedupInvariant(t *testing.T) {
	resolver := &stubResolver{
		delay:  100 * time.Millisecond,
		handle: &core.StreamHandle{SourceURL: "http://upstream.example/audio", Provider: "stub"},
	}
	q := New(testConfig(), resolver, nil, nil, zap.NewNop())

	const submitters = 10
	results := make([]*core.StreamHandle, submitters)
	errs := make([]error, submitters)

	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = q.Submit(context.Background(), testRef("xyz789"))
		}(i)
	}
	wg.Wait()

	if got := resolver.calls.Load(); got != 1 {
		t.Errorf("Resolver invoked %d times for %d concurrent submits, want exactly 1", got, submitters)
	}

	for i := 0; i < submitters; i++ {
		if errs[i] != nil {
			t.Fatalf("Submit %d returned error: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("Submit %d received a different result than submit 0", i)
		}
	}

	stats := q.Stats()
	if stats.TotalRequested != submitters {
		t.Errorf("TotalRequested = %d, want %d", stats.TotalRequested, submitters)
	}
	if stats.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1 (one shared job)", stats.Succeeded)
	}
	if stats.CurrentlyQueued != 0 {
		t.Errorf("CurrentlyQueued = %d after settle, want 0", stats.CurrentlyQueued)
	}
}

func TestQueue_RetryBound(t *testing.T) {
	resolver := &stubResolver{
		err: &core.AggregateError{Failures: []*core.ProviderError{
			core.NewTransientError("stub", "upstream error 503", nil),
		}},
	}
	q := New(testConfig(), resolver, nil, nil, zap.NewNop())

	_, err := q.Submit(context.Background(), testRef("retry-me"))
	if err == nil {
		t.Fatal("Submit() = nil error, want failure")
	}

	// RetryCount=2 means 3 pipeline attempts total
	if got := resolver.calls.Load(); got != 3 {
		t.Errorf("Resolver invoked %d times, want 3", got)
	}

	if stats := q.Stats(); stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
}

func TestQueue_NoRetryOnPermanentFailure(t *testing.T) {
	resolver := &stubResolver{
		err: &core.AggregateError{Failures: []*core.ProviderError{
			core.NewPermanentError("stub", "not found", nil),
		}},
	}
	q := New(testConfig(), resolver, nil, nil, zap.NewNop())

	_, err := q.Submit(context.Background(), testRef("gone"))
	if !errors.Is(err, core.ErrAllProvidersExhausted) {
		t.Errorf("Submit() = %v, want ErrAllProvidersExhausted", err)
	}

	if got := resolver.calls.Load(); got != 1 {
		t.Errorf("Resolver invoked %d times for a permanent failure, want 1", got)
	}
}

func TestQueue_FailureMemoryShortCircuits(t *testing.T) {
	resolver := &stubResolver{
		err: &core.AggregateError{Failures: []*core.ProviderError{
			core.NewPermanentError("stub", "not found", nil),
		}},
	}
	failures := store.NewFailureStore(100, time.Minute, 0.001)
	q := New(testConfig(), resolver, nil, failures, zap.NewNop())

	if _, err := q.Submit(context.Background(), testRef("dead")); err == nil {
		t.Fatal("First submit should fail")
	}

	_, err := q.Submit(context.Background(), testRef("dead"))
	if !errors.Is(err, ErrRecentlyFailed) {
		t.Errorf("Second submit = %v, want ErrRecentlyFailed", err)
	}
	if !errors.Is(err, core.ErrAllProvidersExhausted) {
		t.Error("ErrRecentlyFailed should match ErrAllProvidersExhausted for the facade")
	}

	if got := resolver.calls.Load(); got != 1 {
		t.Errorf("Resolver invoked %d times, want 1 (second request short-circuited)", got)
	}
}

func TestQueue_TransientFailureNotRemembered(t *testing.T) {
	resolver := &stubResolver{
		err: &core.AggregateError{Failures: []*core.ProviderError{
			core.NewTransientError("stub", "rate limited", nil),
		}},
	}
	failures := store.NewFailureStore(100, time.Minute, 0.001)
	cfg := testConfig()
	cfg.RetryCount = 0
	q := New(cfg, resolver, nil, failures, zap.NewNop())

	if _, err := q.Submit(context.Background(), testRef("flaky")); err == nil {
		t.Fatal("Submit should fail")
	}

	if failures.Failed("flaky") {
		t.Error("Transient failure must not be remembered as permanent")
	}
}

func TestQueue_ConcurrencyBound(t *testing.T) {
	resolver := &stubResolver{
		delay:  50 * time.Millisecond,
		handle: &core.StreamHandle{SourceURL: "http://upstream.example/audio", Provider: "stub"},
	}
	cfg := testConfig()
	cfg.MaxConcurrentExtractions = 2
	q := New(cfg, resolver, nil, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = q.Submit(context.Background(), testRef(fmt.Sprintf("track%d", i)))
		}(i)
	}
	wg.Wait()

	if max := resolver.maxSeen.Load(); max > 2 {
		t.Errorf("Observed %d concurrent extractions, want at most 2", max)
	}
	if got := resolver.calls.Load(); got != 8 {
		t.Errorf("Resolver invoked %d times, want 8 (distinct keys are not deduplicated)", got)
	}
}

func TestQueue_CallerDisconnectDoesNotCancelJob(t *testing.T) {
	resolver := &stubResolver{
		delay:  80 * time.Millisecond,
		handle: &core.StreamHandle{SourceURL: "http://upstream.example/audio", Provider: "stub"},
	}
	q := New(testConfig(), resolver, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.Submit(ctx, testRef("survivor"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Submit() = %v, want context.Canceled for the waiting caller", err)
	}

	// The detached job keeps running and settles successfully.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.Stats().Succeeded == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Job did not complete after its caller disconnected")
}
