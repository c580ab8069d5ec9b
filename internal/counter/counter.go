// Package counter implements the ephemeral counter store client backing live
// quota decisions and token revocation.
//
// Counters live in Redis and are the source of truth for limit checks; the
// durable usage events in internal/store are the source of truth for
// reconciliation. Keys are opaque strings chosen by callers — see [Key] for
// the metering key scheme.
//
// Every operation is bounded by an internal deadline. On store failure each
// round-trip is retried exactly once; a second failure surfaces as a
// fault.KindCounterUnavailable error, which callers treat as fail-open or
// fail-closed per their own policy.
package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
)

// opTimeout bounds a single counter-store round-trip.
const opTimeout = 500 * time.Millisecond

// Horizon is a time window for counter aggregation.
type Horizon string

const (
	HorizonDay      Horizon = "day"
	HorizonMonth    Horizon = "month"
	HorizonLifetime Horizon = "life"
)

// Key builds the counter cell key for (tenant, metric, horizon) at time t.
// Day buckets are calendar dates and month buckets are year-months, both in
// UTC. Lifetime cells carry no bucket component.
func Key(tenantID string, metric model.Metric, horizon Horizon, t time.Time) string {
	t = t.UTC()
	switch horizon {
	case HorizonDay:
		return fmt.Sprintf("usage:%s:%s:day:%s", tenantID, metric, t.Format("2006-01-02"))
	case HorizonMonth:
		return fmt.Sprintf("usage:%s:%s:month:%s", tenantID, metric, t.Format("2006-01"))
	default:
		return fmt.Sprintf("usage:%s:%s:life", tenantID, metric)
	}
}

// CostKey builds the cost counter key parallel to [Key].
func CostKey(tenantID string, metric model.Metric, horizon Horizon, t time.Time) string {
	return "cost:" + Key(tenantID, metric, horizon, t)
}

// Incr is one pipelined increment operation: add Delta to Key and, when TTL is
// positive, ensure the key expires after TTL.
type Incr struct {
	Key   string
	Delta float64
	TTL   time.Duration
}

// Client is the Redis-backed counter store client.
// All methods are safe for concurrent use.
type Client struct {
	rdb redis.UniversalClient
}

// New creates a Client over an established Redis connection.
func New(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Dial connects to Redis at addr and verifies the connection with a ping.
func Dial(ctx context.Context, addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("counter: ping %s: %w", addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// IncrByFloat atomically adds delta to key and returns the new value.
func (c *Client) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	var v float64
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		v, err = c.rdb.IncrByFloat(ctx, key, delta).Result()
		return err
	})
	if err != nil {
		return 0, fault.Wrap(fault.KindCounterUnavailable, err, "counter: incr %s", key)
	}
	return v, nil
}

// SetWithTTL stores value at key with the given expiry. A zero ttl stores the
// key without expiry.
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	err := c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fault.Wrap(fault.KindCounterUnavailable, err, "counter: set %s", key)
	}
	return nil
}

// Get returns the string value at key. Missing keys return ("", false, nil).
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	err := c.do(ctx, func(ctx context.Context) error {
		res, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			ok = false
			return nil
		}
		if err != nil {
			return err
		}
		v, ok = res, true
		return nil
	})
	if err != nil {
		return "", false, fault.Wrap(fault.KindCounterUnavailable, err, "counter: get %s", key)
	}
	return v, ok, nil
}

// ReadFloats reads the numeric values of keys in a single MGET round-trip.
// Missing or non-numeric cells read as 0.
func (c *Client) ReadFloats(ctx context.Context, keys ...string) (map[string]float64, error) {
	if len(keys) == 0 {
		return map[string]float64{}, nil
	}
	out := make(map[string]float64, len(keys))
	err := c.do(ctx, func(ctx context.Context) error {
		vals, err := c.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, raw := range vals {
			out[keys[i]] = 0
			s, ok := raw.(string)
			if !ok {
				continue
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				out[keys[i]] = f
			}
		}
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindCounterUnavailable, err, "counter: mget %d keys", len(keys))
	}
	return out, nil
}

// Batch applies all increments in one pipelined round-trip. TTLs are applied
// with EXPIRE after the increment so a pre-existing cell keeps counting within
// its original window.
func (c *Client) Batch(ctx context.Context, incrs []Incr) error {
	if len(incrs) == 0 {
		return nil
	}
	err := c.do(ctx, func(ctx context.Context) error {
		pipe := c.rdb.Pipeline()
		for _, in := range incrs {
			pipe.IncrByFloat(ctx, in.Key, in.Delta)
			if in.TTL > 0 {
				pipe.Expire(ctx, in.Key, in.TTL)
			}
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fault.Wrap(fault.KindCounterUnavailable, err, "counter: batch of %d", len(incrs))
	}
	return nil
}

// Delete removes keys. Used by the reconciliation job before a rebuild.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fault.Wrap(fault.KindCounterUnavailable, err, "counter: del %d keys", len(keys))
	}
	return nil
}

// do runs fn under the operation deadline with exactly one immediate retry.
func (c *Client) do(ctx context.Context, fn func(context.Context) error) error {
	run := func() error {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return fn(opCtx)
	}
	err := run()
	if err == nil || ctx.Err() != nil {
		return err
	}
	return run()
}
