// Package synth implements the synthesis layer: a content-addressed audio
// cache with single-flight generation, a pronunciation quality analyzer, and
// the background pregeneration worker pool that warms the cache.
package synth

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/pkg/provider/tts"
)

// Fingerprint computes the content address of a synthesis request: identical
// (voice, tuning, language, text) inputs always map to the same fingerprint.
func Fingerprint(voiceID string, tuning tts.Tuning, language, text string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s\x00%.4f\x00%.4f\x00%.4f\x00%t\x00%s\x00%s",
		voiceID, tuning.Stability, tuning.SimilarityBoost, tuning.Style, tuning.SpeakerBoost,
		language, text))
	return hex.EncodeToString(sum[:])
}

// Producer generates the audio for a cache miss.
type Producer func(ctx context.Context) (*tts.Result, error)

// Entry is a cached synthesis artifact.
type Entry struct {
	Audio    []byte
	Duration time.Duration
}

// entry is the internal cache slot. While building, done is open and waiters
// block on it; once the producer finishes, res/err are set and done is
// closed. Failed builds are removed from the map before done closes, so the
// failure is never served to later callers.
type entry struct {
	done chan struct{}
	res  *Entry
	err  error

	elem    *list.Element // nil while building or when pinned
	pinned  bool
	size    int64
	expires time.Time
}

// CacheConfig holds tuning knobs for a [Cache].
type CacheConfig struct {
	// MaxBytes bounds the total size of cached audio. Pinned entries do not
	// count against the bound. Default: 256 MiB.
	MaxBytes int64

	// TTL is the per-entry lifetime; expired entries are rebuilt on next
	// access. Pinned entries never expire. Default: 24h.
	TTL time.Duration

	// Logger receives eviction and build-failure events.
	Logger *slog.Logger

	// Metrics, when non-nil, records cache lookup outcomes.
	Metrics *observe.Metrics
}

// Cache is the shared synthesis cache. It is safe for concurrent use across
// all tenants and sessions.
type Cache struct {
	maxBytes int64
	ttl      time.Duration
	log      *slog.Logger
	metrics  *observe.Metrics
	now      func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	ll       *list.List // LRU order, front = most recent; values are fingerprints
	curBytes int64
}

// NewCache creates a [Cache] with the supplied configuration. Zero-value
// config fields are replaced with defaults.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 256 << 20
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		maxBytes: cfg.MaxBytes,
		ttl:      cfg.TTL,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
		entries:  make(map[string]*entry),
		ll:       list.New(),
	}
}

// Get returns the cached entry for fp, or (nil, false) on miss. Entries still
// being built count as a miss. Expired entries are dropped.
func (c *Cache) Get(fp string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp]
	if !ok || e.res == nil {
		return nil, false
	}
	if c.expired(e) {
		c.remove(fp, e)
		return nil, false
	}
	c.touch(e)
	return e.res, true
}

// GetOrBuild returns the cached audio for fp, invoking producer on a miss.
// Under concurrent callers for the same fingerprint the producer runs exactly
// once and every waiter receives the same result. A producer failure is
// returned to all current waiters and is not cached.
//
// The producer runs detached from the caller's context: if one waiter is
// cancelled while others remain, the build continues and serves them. The
// cancelled caller still returns promptly with ctx.Err().
func (c *Cache) GetOrBuild(ctx context.Context, fp string, producer Producer) (*Entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[fp]; ok {
		if e.res != nil && !c.expired(e) {
			c.touch(e)
			c.mu.Unlock()
			c.lookup(ctx, "hit")
			return e.res, nil
		}
		if e.res == nil {
			// Build in flight; join as a waiter.
			c.mu.Unlock()
			c.lookup(ctx, "wait")
			return c.wait(ctx, e)
		}
		c.remove(fp, e)
	}

	e := &entry{done: make(chan struct{})}
	c.entries[fp] = e
	c.mu.Unlock()
	c.lookup(ctx, "miss")

	go c.build(context.WithoutCancel(ctx), fp, e, producer)
	return c.wait(ctx, e)
}

// Pin marks fp's entry as non-evictable, for hot greeting and fallback audio.
// Pinned entries leave the LRU list and never expire. Returns false when fp
// is not cached.
func (c *Cache) Pin(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp]
	if !ok || e.res == nil {
		return false
	}
	if !e.pinned {
		e.pinned = true
		if e.elem != nil {
			c.ll.Remove(e.elem)
			e.elem = nil
		}
		c.curBytes -= e.size
	}
	return true
}

// Len returns the number of ready entries, including pinned ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.res != nil {
			n++
		}
	}
	return n
}

// Size returns the total bytes held by unpinned ready entries.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// build runs the producer and publishes the result. Failures are removed from
// the map before done closes so no waiter arriving later observes them.
func (c *Cache) build(ctx context.Context, fp string, e *entry, producer Producer) {
	res, err := producer(ctx)

	c.mu.Lock()
	if err != nil {
		e.err = err
		delete(c.entries, fp)
		c.mu.Unlock()
		close(e.done)
		c.log.Warn("synthesis build failed", "fingerprint", fp[:min(12, len(fp))], "error", err)
		return
	}

	e.res = &Entry{Audio: res.Audio, Duration: res.Duration}
	e.size = int64(len(res.Audio))
	e.expires = c.now().Add(c.ttl)
	e.elem = c.ll.PushFront(fp)
	c.curBytes += e.size
	c.evictLocked()
	c.mu.Unlock()
	close(e.done)
}

// wait blocks until the entry is ready or ctx is cancelled.
func (c *Cache) wait(ctx context.Context, e *entry) (*Entry, error) {
	select {
	case <-e.done:
		if e.err != nil {
			return nil, e.err
		}
		return e.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// touch moves an entry to the LRU front. Must be called with c.mu held.
func (c *Cache) touch(e *entry) {
	if e.elem != nil {
		c.ll.MoveToFront(e.elem)
	}
}

// expired reports whether an unpinned entry's TTL has elapsed. Must be called
// with c.mu held.
func (c *Cache) expired(e *entry) bool {
	return !e.pinned && c.now().After(e.expires)
}

// remove drops an entry. Must be called with c.mu held.
func (c *Cache) remove(fp string, e *entry) {
	if e.elem != nil {
		c.ll.Remove(e.elem)
		e.elem = nil
	}
	if !e.pinned {
		c.curBytes -= e.size
	}
	delete(c.entries, fp)
}

// evictLocked drops LRU tail entries until the size bound holds. Must be
// called with c.mu held.
func (c *Cache) evictLocked() {
	for c.curBytes > c.maxBytes {
		tail := c.ll.Back()
		if tail == nil {
			return
		}
		fp := tail.Value.(string)
		e := c.entries[fp]
		c.remove(fp, e)
		c.log.Debug("synthesis cache eviction", "fingerprint", fp[:min(12, len(fp))], "bytes", e.size)
	}
}

func (c *Cache) lookup(ctx context.Context, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, outcome)
	}
}
