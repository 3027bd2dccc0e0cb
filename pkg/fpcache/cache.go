package fpcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/querygate/pkg/executor"
	"github.com/malbeclabs/querygate/pkg/metrics"
	"github.com/malbeclabs/querygate/pkg/planner"
	"github.com/malbeclabs/querygate/pkg/retriever"
)

type HitType string

const (
	HitNone   HitType = "none"
	HitSchema HitType = "schema"
	HitFull   HitType = "full"
)

// Record is what callers store. A schema record carries only the relevance
// result. A full record also carries the approved statement and its result.
type Record struct {
	SchemaVersion     string
	HitType           HitType
	Relevance         retriever.Result
	Strategy          planner.Strategy
	MixedIntent       bool
	Statement         string
	StatementModified bool
	GeneralAnswer     string
	Result            *executor.Result
}

// Entry is a Record as held by the cache.
type Entry struct {
	Record
	Fingerprint Fingerprint
	CreatedAt   time.Time
	LastAccess  time.Time
}

type entry struct {
	rec        Record
	fp         Fingerprint
	createdAt  time.Time
	lastAccess atomic.Int64
}

func (e *entry) snapshot() Entry {
	return Entry{
		Record:      e.rec,
		Fingerprint: e.fp,
		CreatedAt:   e.createdAt,
		LastAccess:  time.Unix(0, e.lastAccess.Load()).UTC(),
	}
}

type Config struct {
	Clock clockwork.Clock
	// Capacity is the total number of entries across all shards.
	Capacity int
	// Shards partitions the key space. Operations on different shards never
	// contend on the same lock.
	Shards int
	// TTL bounds the lifetime of an entry. Zero keeps entries until evicted.
	TTL time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Capacity <= 0 {
		return errors.New("capacity must be greater than 0")
	}
	if cfg.Shards == 0 {
		cfg.Shards = 16
	}
	if cfg.Shards < 0 {
		return errors.New("shards must be greater than 0")
	}
	if cfg.Shards > cfg.Capacity {
		cfg.Shards = cfg.Capacity
	}
	if cfg.TTL < 0 {
		return errors.New("ttl must not be negative")
	}
	return nil
}

// Cache maps fingerprints to records with least-recently-used eviction per
// shard. Concurrent requests with the same fingerprint may both miss and both
// put; the last put wins.
type Cache struct {
	clock  clockwork.Clock
	shards []*ttlcache.Cache[Fingerprint, *entry]
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ttl := ttlcache.NoTTL
	if cfg.TTL > 0 {
		ttl = cfg.TTL
	}
	c := &Cache{clock: cfg.Clock, shards: make([]*ttlcache.Cache[Fingerprint, *entry], cfg.Shards)}
	per := cfg.Capacity / cfg.Shards
	extra := cfg.Capacity % cfg.Shards
	for i := range c.shards {
		capacity := per
		if i < extra {
			capacity++
		}
		shard := ttlcache.New[Fingerprint, *entry](
			ttlcache.WithCapacity[Fingerprint, *entry](uint64(capacity)),
			ttlcache.WithTTL[Fingerprint, *entry](ttl),
			ttlcache.WithDisableTouchOnHit[Fingerprint, *entry](),
		)
		shard.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[Fingerprint, *entry]) {
			metrics.CacheEvictionsTotal.WithLabelValues(evictionReason(reason)).Inc()
		})
		c.shards[i] = shard
	}
	return c, nil
}

func (c *Cache) shard(fp Fingerprint) *ttlcache.Cache[Fingerprint, *entry] {
	return c.shards[int(fp[0])%len(c.shards)]
}

// Lookup returns the entry for fp and marks it most recently used.
func (c *Cache) Lookup(fp Fingerprint) (Entry, bool) {
	item := c.shard(fp).Get(fp)
	if item == nil || item.IsExpired() {
		metrics.CacheLookupsTotal.WithLabelValues(string(HitNone)).Inc()
		return Entry{}, false
	}
	e := item.Value()
	e.lastAccess.Store(c.clock.Now().UnixNano())
	metrics.CacheLookupsTotal.WithLabelValues(string(e.rec.HitType)).Inc()
	return e.snapshot(), true
}

// Put stores rec under fp, replacing any existing entry.
func (c *Cache) Put(fp Fingerprint, rec Record) error {
	switch rec.HitType {
	case HitSchema:
	case HitFull:
		if rec.Statement == "" {
			return errors.New("full entry requires a statement")
		}
	default:
		return fmt.Errorf("unsupported hit type %q", rec.HitType)
	}
	if rec.SchemaVersion == "" {
		return errors.New("schema version is required")
	}

	now := c.clock.Now()
	e := &entry{rec: rec, fp: fp, createdAt: now.UTC()}
	e.lastAccess.Store(now.UnixNano())

	c.shard(fp).Set(fp, e, ttlcache.DefaultTTL)
	metrics.CacheEntries.Set(float64(c.Len()))
	return nil
}

// Invalidate drops every entry tied to schemaVersion and returns how many
// were dropped.
func (c *Cache) Invalidate(schemaVersion string) int {
	return c.deleteWhere(func(e *entry) bool { return e.rec.SchemaVersion == schemaVersion })
}

// InvalidateExcept drops every entry whose schema version differs from
// current.
func (c *Cache) InvalidateExcept(current string) int {
	return c.deleteWhere(func(e *entry) bool { return e.rec.SchemaVersion != current })
}

func (c *Cache) deleteWhere(match func(*entry) bool) int {
	var n int
	for _, shard := range c.shards {
		var stale []Fingerprint
		shard.Range(func(item *ttlcache.Item[Fingerprint, *entry]) bool {
			if match(item.Value()) {
				stale = append(stale, item.Key())
			}
			return true
		})
		for _, fp := range stale {
			shard.Delete(fp)
		}
		n += len(stale)
	}
	metrics.CacheEntries.Set(float64(c.Len()))
	return n
}

func (c *Cache) Len() int {
	var n int
	for _, shard := range c.shards {
		n += shard.Len()
	}
	return n
}

// Start runs expiry on every shard until ctx is done. It is only needed when
// a TTL is configured.
func (c *Cache) Start(ctx context.Context) {
	for _, shard := range c.shards {
		go shard.Start()
	}
	<-ctx.Done()
	for _, shard := range c.shards {
		shard.Stop()
	}
}

func evictionReason(r ttlcache.EvictionReason) string {
	switch r {
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity"
	case ttlcache.EvictionReasonExpired:
		return "expired"
	case ttlcache.EvictionReasonDeleted:
		return "invalidated"
	default:
		return "other"
	}
}
