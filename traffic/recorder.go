// Package traffic tracks per-URL request counts and timing within a
// sliding time window, feeding the score engine. Samples are recorded for
// every page generation, cached or not.
package traffic

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the largest window the recorders retain samples for.
const DefaultWindow = time.Hour

// sweepEvery is how many records pass between full sweeps of idle URLs.
const sweepEvery = 256

// Stats aggregates the samples for one URL inside a window.
type Stats struct {
	Count         int
	RatePerMin    float64
	AvgResponseMs float64
}

// Recorder records traffic samples and aggregates them on demand.
// Implementations must be safe for concurrent use.
type Recorder interface {
	// Record appends a sample for the URL. Amortized O(1).
	Record(ctx context.Context, tenant, url string, responseTime time.Duration) error

	// WindowStats aggregates samples within [now-window, now]. Unseen
	// URLs return zero stats, not an error.
	WindowStats(ctx context.Context, tenant, url string, window time.Duration) (Stats, error)
}

type sample struct {
	at         time.Time
	responseMs float64
}

// Memory is an in-process Recorder. Accounting is per-process: deployments
// with several workers sharing one site should use the Redis recorder
// instead.
type Memory struct {
	mu        sync.Mutex
	samples   map[string][]sample
	maxWindow time.Duration
	now       func() time.Time
	ops       int
}

// MemoryOption configures a Memory recorder.
type MemoryOption func(*Memory)

// WithMaxWindow sets the largest window the recorder retains samples for.
func WithMaxWindow(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.maxWindow = d
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an in-process recorder.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		samples:   make(map[string][]sample),
		maxWindow: DefaultWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record appends a sample and opportunistically drops samples that fell
// out of the maximum window.
func (m *Memory) Record(_ context.Context, tenant, url string, responseTime time.Duration) error {
	now := m.now()
	k := scopedURL(tenant, url)

	m.mu.Lock()
	defer m.mu.Unlock()

	samples := m.samples[k]
	samples = append(samples, sample{at: now, responseMs: float64(responseTime.Milliseconds())})

	// Prune from the head; samples are append-ordered by time.
	cutoff := now.Add(-m.maxWindow)
	start := 0
	for start < len(samples) && samples[start].at.Before(cutoff) {
		start++
	}
	if start > 0 {
		samples = append(samples[:0:0], samples[start:]...)
	}

	m.samples[k] = samples

	// URLs that stop receiving traffic would otherwise keep their slices
	// and map keys forever; sweep them out every so often.
	m.ops++
	if m.ops >= sweepEvery {
		m.ops = 0
		m.sweepLocked(cutoff)
	}
	return nil
}

// sweepLocked drops samples older than the cutoff for every URL and
// removes URLs left with no samples. Caller holds mu.
func (m *Memory) sweepLocked(cutoff time.Time) {
	for k, samples := range m.samples {
		start := 0
		for start < len(samples) && samples[start].at.Before(cutoff) {
			start++
		}
		switch {
		case start == len(samples):
			delete(m.samples, k)
		case start > 0:
			m.samples[k] = append(samples[:0:0], samples[start:]...)
		}
	}
}

// WindowStats aggregates the samples recorded within the window.
func (m *Memory) WindowStats(_ context.Context, tenant, url string, window time.Duration) (Stats, error) {
	if window <= 0 || window > m.maxWindow {
		window = m.maxWindow
	}
	cutoff := m.now().Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	var totalMs float64
	for _, s := range m.samples[scopedURL(tenant, url)] {
		if s.at.Before(cutoff) {
			continue
		}
		count++
		totalMs += s.responseMs
	}

	return aggregate(count, totalMs, window), nil
}

// aggregate derives window stats from a sample count and summed response
// times.
func aggregate(count int, totalMs float64, window time.Duration) Stats {
	if count == 0 {
		return Stats{}
	}
	return Stats{
		Count:         count,
		RatePerMin:    float64(count) / window.Minutes(),
		AvgResponseMs: totalMs / float64(count),
	}
}

func scopedURL(tenant, url string) string {
	return tenant + "\x00" + url
}

var _ Recorder = (*Memory)(nil)
