package synth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/provider/tts"
)

func audioProducer(audio []byte, calls *atomic.Int64) Producer {
	return func(context.Context) (*tts.Result, error) {
		if calls != nil {
			calls.Add(1)
		}
		return &tts.Result{Audio: audio, Duration: time.Second}, nil
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	tuning := tts.Tuning{Stability: 0.5, SimilarityBoost: 0.7}
	a := Fingerprint("v1", tuning, "en", "hello")
	b := Fingerprint("v1", tuning, "en", "hello")
	if a != b {
		t.Error("identical inputs must produce identical fingerprints")
	}
	if a == Fingerprint("v2", tuning, "en", "hello") {
		t.Error("voice must affect the fingerprint")
	}
	if a == Fingerprint("v1", tuning, "de", "hello") {
		t.Error("language must affect the fingerprint")
	}
	if a == Fingerprint("v1", tts.Tuning{Stability: 0.6, SimilarityBoost: 0.7}, "en", "hello") {
		t.Error("tuning must affect the fingerprint")
	}
}

func TestCacheGetOrBuildCachesResult(t *testing.T) {
	c := NewCache(CacheConfig{})
	var calls atomic.Int64
	fp := Fingerprint("v1", tts.Tuning{}, "en", "hi")

	for i := 0; i < 3; i++ {
		e, err := c.GetOrBuild(context.Background(), fp, audioProducer([]byte("audio"), &calls))
		if err != nil {
			t.Fatalf("GetOrBuild %d: %v", i, err)
		}
		if string(e.Audio) != "audio" {
			t.Fatalf("audio = %q", e.Audio)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("producer ran %d times, want 1", calls.Load())
	}
	if e, ok := c.Get(fp); !ok || string(e.Audio) != "audio" {
		t.Error("Get should hit after a build")
	}
}

func TestCacheSingleFlight(t *testing.T) {
	c := NewCache(CacheConfig{})
	var calls atomic.Int64
	release := make(chan struct{})
	producer := func(context.Context) (*tts.Result, error) {
		calls.Add(1)
		<-release
		return &tts.Result{Audio: []byte("shared")}, nil
	}

	const waiters = 8
	var wg sync.WaitGroup
	results := make([][]byte, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.GetOrBuild(context.Background(), "fp", producer)
			if e != nil {
				results[i] = e.Audio
			}
			errs[i] = err
		}(i)
	}

	// Let all waiters pile up, then release the single producer.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("producer ran %d times, want 1", calls.Load())
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d: %v", i, errs[i])
		}
		if string(results[i]) != "shared" {
			t.Fatalf("waiter %d got %q", i, results[i])
		}
	}
}

func TestCacheFailureNotCached(t *testing.T) {
	c := NewCache(CacheConfig{})
	boom := errors.New("provider down")

	_, err := c.GetOrBuild(context.Background(), "fp", func(context.Context) (*tts.Result, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want producer error, got %v", err)
	}

	// Next caller retries the producer rather than seeing the cached failure.
	var calls atomic.Int64
	e, err := c.GetOrBuild(context.Background(), "fp", audioProducer([]byte("ok"), &calls))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if string(e.Audio) != "ok" || calls.Load() != 1 {
		t.Error("retry should run a fresh producer")
	}
}

func TestCacheFailureReleasesAllWaiters(t *testing.T) {
	c := NewCache(CacheConfig{})
	boom := errors.New("boom")
	release := make(chan struct{})
	producer := func(context.Context) (*tts.Result, error) {
		<-release
		return nil, boom
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrBuild(context.Background(), "fp", producer)
			errCh <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if !errors.Is(err, boom) {
			t.Errorf("waiter error = %v, want boom", err)
		}
	}
}

func TestCacheWaiterCancellationDoesNotStopBuild(t *testing.T) {
	c := NewCache(CacheConfig{})
	release := make(chan struct{})
	producer := func(ctx context.Context) (*tts.Result, error) {
		select {
		case <-release:
			return &tts.Result{Audio: []byte("late")}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrBuild(ctx, "fp", producer)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter: %v", err)
	}

	// The build keeps running detached and serves the next caller.
	close(release)
	e, err := c.GetOrBuild(context.Background(), "fp", audioProducer([]byte("fresh"), nil))
	if err != nil {
		t.Fatalf("second caller: %v", err)
	}
	if string(e.Audio) != "late" {
		t.Errorf("audio = %q, want the detached build's result", e.Audio)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(CacheConfig{TTL: time.Minute})
	clock := time.Now()
	c.now = func() time.Time { return clock }

	if _, err := c.GetOrBuild(context.Background(), "fp", audioProducer([]byte("v1"), nil)); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := c.Get("fp"); !ok {
		t.Fatal("entry should be fresh")
	}

	clock = clock.Add(2 * time.Minute)
	if _, ok := c.Get("fp"); ok {
		t.Fatal("entry should have expired")
	}

	var calls atomic.Int64
	if _, err := c.GetOrBuild(context.Background(), "fp", audioProducer([]byte("v2"), &calls)); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if calls.Load() != 1 {
		t.Error("expired entry should trigger a rebuild")
	}
}

func TestCacheLRUEviction(t *testing.T) {
	// Three 4-byte entries fit; the fourth evicts the least recently used.
	c := NewCache(CacheConfig{MaxBytes: 12})
	for i := 0; i < 3; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		if _, err := c.GetOrBuild(context.Background(), fp, audioProducer([]byte("aaaa"), nil)); err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
	}

	// Touch fp-0 so fp-1 becomes the LRU victim.
	if _, ok := c.Get("fp-0"); !ok {
		t.Fatal("fp-0 should be cached")
	}
	if _, err := c.GetOrBuild(context.Background(), "fp-3", audioProducer([]byte("aaaa"), nil)); err != nil {
		t.Fatalf("build fp-3: %v", err)
	}

	if _, ok := c.Get("fp-1"); ok {
		t.Error("fp-1 should have been evicted")
	}
	if _, ok := c.Get("fp-0"); !ok {
		t.Error("recently used fp-0 should survive")
	}
	if c.Size() > 12 {
		t.Errorf("size = %d, exceeds bound", c.Size())
	}
}

func TestCachePinSurvivesEvictionAndTTL(t *testing.T) {
	c := NewCache(CacheConfig{MaxBytes: 8, TTL: time.Minute})
	clock := time.Now()
	c.now = func() time.Time { return clock }

	if _, err := c.GetOrBuild(context.Background(), "greeting", audioProducer([]byte("aaaa"), nil)); err != nil {
		t.Fatalf("build: %v", err)
	}
	if !c.Pin("greeting") {
		t.Fatal("Pin should succeed for a cached entry")
	}
	if c.Pin("missing") {
		t.Error("Pin should fail for an uncached fingerprint")
	}

	// Pinned bytes do not count against the bound; these two fill it.
	_, _ = c.GetOrBuild(context.Background(), "a", audioProducer([]byte("aaaa"), nil))
	_, _ = c.GetOrBuild(context.Background(), "b", audioProducer([]byte("aaaa"), nil))
	_, _ = c.GetOrBuild(context.Background(), "c", audioProducer([]byte("aaaa"), nil))

	if _, ok := c.Get("greeting"); !ok {
		t.Error("pinned entry must survive eviction pressure")
	}

	clock = clock.Add(time.Hour)
	if _, ok := c.Get("greeting"); !ok {
		t.Error("pinned entry must not expire")
	}
}
