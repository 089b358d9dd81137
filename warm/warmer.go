// Package warm pre-populates the cache by issuing synthetic fetches for a
// prioritized URL list ahead of real demand.
package warm

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default bounds for a warm run.
const (
	DefaultConcurrency = 3
	DefaultTimeout     = 30 * time.Second
)

// Fetcher issues one synthetic fetch. The fetch must travel the normal
// request path so generation and caching occur as they would for a real
// request, in the given tenant's namespace.
type Fetcher interface {
	Fetch(ctx context.Context, tenant, url string) error
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, tenant, url string) error

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, tenant, url string) error {
	return f(ctx, tenant, url)
}

type item struct {
	tenant   string
	url      string
	priority int
	seq      int
}

// Result reports one warmed URL.
type Result struct {
	Tenant   string
	URL      string
	Err      error
	Duration time.Duration
}

// RunResult aggregates a warm run. Failures are isolated per URL and
// never abort the run.
type RunResult struct {
	Fetched  int
	Failed   int
	Results  []Result
	Duration time.Duration
}

// Warmer holds a deduplicated priority queue of URLs and drains it with
// bounded concurrency.
type Warmer struct {
	fetcher     Fetcher
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	queue map[string]*item
	seq   int

	// runMu serializes runs so the concurrency bound holds even when
	// several callers trigger Run at once.
	runMu sync.Mutex
}

// Option configures a Warmer.
type Option func(*Warmer)

// WithConcurrency bounds simultaneous fetches during a run.
func WithConcurrency(n int) Option {
	return func(w *Warmer) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithTimeout sets the per-URL fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(w *Warmer) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithLogger sets the logger for the warmer.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Warmer) {
		w.logger = logger
	}
}

// New creates a warmer that fetches through the given Fetcher.
func New(fetcher Fetcher, opts ...Option) *Warmer {
	w := &Warmer{
		fetcher:     fetcher,
		concurrency: DefaultConcurrency,
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
		now:         time.Now,
		queue:       make(map[string]*item),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue adds URLs for a tenant at the given priority, deduplicating by
// tenant and URL. On conflict the higher priority wins; the URL keeps its
// original queue position. Returns the number of URLs newly added.
func (w *Warmer) Enqueue(tenant string, urls []string, priority int) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	added := 0
	for _, u := range urls {
		k := tenant + "\x00" + u
		if existing, ok := w.queue[k]; ok {
			if priority > existing.priority {
				existing.priority = priority
			}
			continue
		}
		w.queue[k] = &item{tenant: tenant, url: u, priority: priority, seq: w.seq}
		w.seq++
		added++
	}
	return added
}

// Len returns the number of queued URLs.
func (w *Warmer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Run drains the queue, fetching highest priority first and FIFO within a
// priority, with at most the configured number of simultaneous fetches.
// Overlapping calls run one after another, so the concurrency bound is
// global rather than per caller. Every dequeued URL is dispatched exactly
// once; failures and timeouts are logged and dropped, never requeued.
func (w *Warmer) Run(ctx context.Context) *RunResult {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	start := w.now()

	w.mu.Lock()
	batch := make([]*item, 0, len(w.queue))
	for _, it := range w.queue {
		batch = append(batch, it)
	}
	w.queue = make(map[string]*item)
	w.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool {
		if batch[i].priority != batch[j].priority {
			return batch[i].priority > batch[j].priority
		}
		return batch[i].seq < batch[j].seq
	})

	results := make([]Result, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, it := range batch {
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, w.timeout)
			defer cancel()

			fetchStart := w.now()
			err := w.fetcher.Fetch(fetchCtx, it.tenant, it.url)
			results[i] = Result{
				Tenant:   it.tenant,
				URL:      it.url,
				Err:      err,
				Duration: w.now().Sub(fetchStart),
			}

			if err != nil {
				w.logger.Warn("warm fetch failed", "tenant", it.tenant, "url", it.url, "error", err)
			} else {
				w.logger.Debug("warmed", "tenant", it.tenant, "url", it.url, "duration", results[i].Duration)
			}
			// Failures never abort the run.
			return nil
		})
	}
	_ = g.Wait()

	run := &RunResult{Results: results, Duration: w.now().Sub(start)}
	for _, r := range results {
		if r.Err != nil {
			run.Failed++
		} else {
			run.Fetched++
		}
	}

	if len(batch) > 0 {
		w.logger.Info("warm run complete",
			"fetched", run.Fetched,
			"failed", run.Failed,
			"duration", run.Duration,
		)
	}
	return run
}
