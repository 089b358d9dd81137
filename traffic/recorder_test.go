package traffic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestWindowStatsUnseenURL(t *testing.T) {
	m := NewMemory()

	stats, err := m.WindowStats(context.Background(), "", "/never-seen", time.Hour)
	require.NoError(t, err)
	require.Zero(t, stats.Count)
	require.Zero(t, stats.RatePerMin)
	require.Zero(t, stats.AvgResponseMs)
}

func TestWindowStatsAggregation(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithNow(clock.Now))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Record(ctx, "", "/popular", 200*time.Millisecond))
		clock.Advance(time.Second)
	}

	stats, err := m.WindowStats(ctx, "", "/popular", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 10, stats.Count)
	require.InDelta(t, 10.0/60.0, stats.RatePerMin, 0.001)
	require.InDelta(t, 200, stats.AvgResponseMs, 0.001)
}

func TestWindowStatsExcludesOldSamples(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithNow(clock.Now))
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, "", "/page", 100*time.Millisecond))
	clock.Advance(10 * time.Minute)
	require.NoError(t, m.Record(ctx, "", "/page", 300*time.Millisecond))

	// A 5 minute window only sees the second sample.
	stats, err := m.WindowStats(ctx, "", "/page", 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Count)
	require.InDelta(t, 300, stats.AvgResponseMs, 0.001)

	// The full window sees both.
	stats, err = m.WindowStats(ctx, "", "/page", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Count)
	require.InDelta(t, 200, stats.AvgResponseMs, 0.001)
}

func TestRecordPrunesBeyondMaxWindow(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithNow(clock.Now), WithMaxWindow(time.Minute))
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, "", "/page", 100*time.Millisecond))
	clock.Advance(2 * time.Minute)
	require.NoError(t, m.Record(ctx, "", "/page", 100*time.Millisecond))

	m.mu.Lock()
	retained := len(m.samples[scopedURL("", "/page")])
	m.mu.Unlock()
	require.Equal(t, 1, retained)
}

func TestWindowClampedToMax(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithNow(clock.Now), WithMaxWindow(time.Minute))
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, "", "/page", 60*time.Millisecond))

	// Requesting a larger window than retained clamps to the max.
	stats, err := m.WindowStats(ctx, "", "/page", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Count)
	require.InDelta(t, 1.0, stats.RatePerMin, 0.001)
}

func TestRecordSweepsIdleURLs(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithNow(clock.Now), WithMaxWindow(time.Minute))
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, "", "/abandoned", 100*time.Millisecond))
	clock.Advance(2 * time.Minute)

	// Traffic on other URLs must eventually reclaim the idle key.
	for i := 0; i < sweepEvery; i++ {
		require.NoError(t, m.Record(ctx, "", "/hot", 50*time.Millisecond))
	}

	m.mu.Lock()
	_, retained := m.samples[scopedURL("", "/abandoned")]
	m.mu.Unlock()
	require.False(t, retained, "idle URL key should be swept")

	stats, err := m.WindowStats(ctx, "", "/hot", time.Minute)
	require.NoError(t, err)
	require.Equal(t, sweepEvery, stats.Count)
}

func TestTenantsDoNotShareSamples(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, "site-a", "/page", 100*time.Millisecond))

	stats, err := m.WindowStats(ctx, "site-b", "/page", time.Hour)
	require.NoError(t, err)
	require.Zero(t, stats.Count)
}

func TestConcurrentRecord(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Record(ctx, "", "/hot", 50*time.Millisecond)
		}()
	}
	wg.Wait()

	stats, err := m.WindowStats(ctx, "", "/hot", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 50, stats.Count)
}
