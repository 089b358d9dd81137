// Package dispatch implements the request flow: look up the cached page,
// fall back to the generator on a miss, and decide whether the generated
// page earns a place in the cache.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/pagecache"
	"github.com/wolfeidau/pagecache/config"
	"github.com/wolfeidau/pagecache/score"
	"github.com/wolfeidau/pagecache/store"
	"github.com/wolfeidau/pagecache/telemetry"
	"github.com/wolfeidau/pagecache/traffic"
)

// Status reports where the response body came from.
type Status string

const (
	StatusHit    Status = "HIT"
	StatusMiss   Status = "MISS"
	StatusBypass Status = "BYPASS"
)

// Generated is a freshly rendered page.
type Generated struct {
	Body        []byte
	ContentType string
}

// GenerateFunc renders the page for a request, typically by calling the
// origin. A failure means no page; it is never cached.
type GenerateFunc func(ctx context.Context, req *pagecache.Request) (*Generated, error)

// Result is the outcome of dispatching one request.
type Result struct {
	Status      Status
	Key         pagecache.Key
	Body        []byte
	ContentType string
	Stored      bool
}

// Store is the slice of the page store the dispatcher needs.
type Store interface {
	Get(ctx context.Context, tenant string, key pagecache.Key) (*store.Entry, error)
	Put(ctx context.Context, in store.PutInput) error
	Count(ctx context.Context, tenant string) (int, error)
	SizeBytes(ctx context.Context, tenant string) (int64, error)
}

// counters tracks cache effectiveness for a single tenant.
type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// Dispatcher routes requests through the cache.
type Dispatcher struct {
	store    Store
	recorder traffic.Recorder
	engine   *score.Engine
	provider *config.Provider
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	byTenant map[string]*counters
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithNow overrides the clock, used in tests.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// New creates a dispatcher.
func New(st Store, recorder traffic.Recorder, engine *score.Engine, provider *config.Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		recorder: recorder,
		engine:   engine,
		provider: provider,
		logger:   slog.Default(),
		now:      time.Now,
		byTenant: make(map[string]*counters),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Handle serves one request. Cache hits return the stored page without
// invoking gen. Misses always invoke gen; whether the result is stored
// depends on the configured mode. Storage failures degrade to serving
// the generated page uncached.
func (d *Dispatcher) Handle(ctx context.Context, req *pagecache.Request, gen GenerateFunc) (*Result, error) {
	cfg := d.provider.Snapshot()

	if cfg.Mode == config.ModeDisabled {
		page, elapsed, err := d.generate(ctx, req, gen)
		if err != nil {
			return nil, err
		}
		if err := d.recorder.Record(ctx, req.Tenant, req.Path(), elapsed); err != nil {
			d.logger.Warn("record traffic failed", "path", req.Path(), "error", err)
		}
		return &Result{Status: StatusBypass, Body: page.Body, ContentType: page.ContentType}, nil
	}

	key := pagecache.Fingerprint(req)

	entry, err := d.store.Get(ctx, req.Tenant, key)
	switch {
	case err == nil:
		d.tenantCounters(req.Tenant).hits.Add(1)
		return &Result{
			Status:      StatusHit,
			Key:         key,
			Body:        entry.Body,
			ContentType: entry.ContentType,
		}, nil
	case !errors.Is(err, pagecache.ErrNotFound):
		// Lookup failed for a reason other than absence. Serve from the
		// generator rather than failing the request.
		d.logger.Warn("cache lookup failed", "key", key.ShortString(), "error", err)
	}

	d.tenantCounters(req.Tenant).misses.Add(1)

	page, elapsed, err := d.generate(ctx, req, gen)
	if err != nil {
		return nil, err
	}

	path := req.Path()
	if err := d.recorder.Record(ctx, req.Tenant, path, elapsed); err != nil {
		d.logger.Warn("record traffic failed", "path", path, "error", err)
	}

	result := &Result{
		Status:      StatusMiss,
		Key:         key,
		Body:        page.Body,
		ContentType: page.ContentType,
	}

	if !d.shouldCache(ctx, req.Tenant, path, cfg) {
		return result, nil
	}

	in := store.PutInput{
		Tenant:      req.Tenant,
		Key:         key,
		URL:         req.URL,
		ContentType: page.ContentType,
		Body:        page.Body,
		TTL:         cfg.TTLFor(path),
	}
	if err := d.store.Put(ctx, in); err != nil {
		d.logger.Warn("cache write failed", "key", key.ShortString(), "error", err)
		return result, nil
	}
	telemetry.RecordStoreWrite(ctx, req.Tenant, int64(len(page.Body)))
	result.Stored = true

	return result, nil
}

// generate invokes the generator and records its duration. Failures are
// wrapped so callers can distinguish them from storage problems.
func (d *Dispatcher) generate(ctx context.Context, req *pagecache.Request, gen GenerateFunc) (*Generated, time.Duration, error) {
	start := d.now()
	page, err := gen(ctx, req)
	elapsed := d.now().Sub(start)
	if err != nil {
		telemetry.RecordGenerate(ctx, req.Tenant, "error", elapsed)
		var genErr *pagecache.GenerationError
		if errors.As(err, &genErr) {
			return nil, elapsed, err
		}
		return nil, elapsed, &pagecache.GenerationError{URL: req.URL, Err: err}
	}
	telemetry.RecordGenerate(ctx, req.Tenant, "ok", elapsed)
	return page, elapsed, nil
}

// shouldCache decides whether a freshly generated page gets stored.
func (d *Dispatcher) shouldCache(ctx context.Context, tenant, path string, cfg config.Config) bool {
	rules := cfg.Rules()

	switch cfg.Mode {
	case config.ModeStatic:
		return !pagecache.MatchAny(rules.Blacklist, path)
	case config.ModeBeast:
		stats, err := d.recorder.WindowStats(ctx, tenant, path, cfg.Beast.Window.Std())
		if err != nil {
			// Without stats there is no basis for promotion.
			d.logger.Warn("window stats failed", "path", path, "error", err)
			return false
		}
		outcome := d.engine.Evaluate(path, stats, rules)
		if outcome.Promote {
			d.logger.Debug("promoting page",
				"path", path,
				"score", outcome.Score,
				"reason", outcome.Reason,
			)
		}
		return outcome.Promote
	default:
		return false
	}
}

// Stats summarises cache effectiveness for one tenant.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"size_bytes"`
}

// tenantCounters returns the counters for a tenant, creating them on
// first use.
func (d *Dispatcher) tenantCounters(tenant string) *counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byTenant[tenant]
	if !ok {
		c = &counters{}
		d.byTenant[tenant] = c
	}
	return c
}

// Stats returns hit counters plus store occupancy, both scoped to the
// tenant.
func (d *Dispatcher) Stats(ctx context.Context, tenant string) (*Stats, error) {
	c := d.tenantCounters(tenant)
	hits := c.hits.Load()
	misses := c.misses.Load()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}

	count, err := d.store.Count(ctx, tenant)
	if err != nil {
		return nil, err
	}
	size, err := d.store.SizeBytes(ctx, tenant)
	if err != nil {
		return nil, err
	}

	return &Stats{
		Hits:      hits,
		Misses:    misses,
		HitRate:   rate,
		Entries:   count,
		SizeBytes: size,
	}, nil
}
