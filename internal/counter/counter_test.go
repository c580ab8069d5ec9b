package counter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/model"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestKey_Buckets(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)

	cases := []struct {
		horizon Horizon
		want    string
	}{
		{HorizonDay, "usage:t1:synthesis_chars:day:2026-03-14"},
		{HorizonMonth, "usage:t1:synthesis_chars:month:2026-03"},
		{HorizonLifetime, "usage:t1:synthesis_chars:life"},
	}
	for _, c := range cases {
		if got := Key("t1", model.MetricSynthesisChars, c.horizon, at); got != c.want {
			t.Errorf("Key(%s) = %q, want %q", c.horizon, got, c.want)
		}
	}

	if got := CostKey("t1", model.MetricCallMinutes, HorizonMonth, at); got != "cost:usage:t1:call_minutes:month:2026-03" {
		t.Errorf("CostKey = %q", got)
	}
}

func TestIncrByFloat(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	v, err := c.IncrByFloat(ctx, "k", 2.5)
	if err != nil {
		t.Fatalf("IncrByFloat: %v", err)
	}
	if v != 2.5 {
		t.Errorf("value = %v, want 2.5", v)
	}

	v, err = c.IncrByFloat(ctx, "k", 1.5)
	if err != nil {
		t.Fatalf("IncrByFloat: %v", err)
	}
	if v != 4 {
		t.Errorf("value = %v, want 4", v)
	}
}

func TestReadFloats_MissingReadsZero(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := c.IncrByFloat(ctx, "a", 13); err != nil {
		t.Fatal(err)
	}

	vals, err := c.ReadFloats(ctx, "a", "missing")
	if err != nil {
		t.Fatalf("ReadFloats: %v", err)
	}
	if vals["a"] != 13 {
		t.Errorf("a = %v, want 13", vals["a"])
	}
	if vals["missing"] != 0 {
		t.Errorf("missing = %v, want 0", vals["missing"])
	}
}

func TestBatch_AppliesTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	err := c.Batch(ctx, []Incr{
		{Key: "day", Delta: 5, TTL: 7 * 24 * time.Hour},
		{Key: "life", Delta: 5},
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}

	if ttl := mr.TTL("day"); ttl != 7*24*time.Hour {
		t.Errorf("day TTL = %v, want 168h", ttl)
	}
	if mr.TTL("life") != 0 {
		t.Error("lifetime cell must not expire")
	}

	vals, err := c.ReadFloats(ctx, "day", "life")
	if err != nil {
		t.Fatal(err)
	}
	if vals["day"] != 5 || vals["life"] != 5 {
		t.Errorf("values = %v, want day=5 life=5", vals)
	}
}

func TestSetWithTTL_Get(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.SetWithTTL(ctx, "revoked:abc", "1", time.Minute); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}

	v, ok, err := c.Get(ctx, "revoked:abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != "1" {
		t.Errorf("Get = (%q, %v), want (1, true)", v, ok)
	}

	_, ok, err = c.Get(ctx, "revoked:other")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("missing key reported as present")
	}
}

func TestUnavailable_ClassifiedError(t *testing.T) {
	c, mr := newTestClient(t)
	mr.Close()

	_, err := c.IncrByFloat(context.Background(), "k", 1)
	if !fault.IsKind(err, fault.KindCounterUnavailable) {
		t.Errorf("err = %v, want counter_unavailable", err)
	}
}
