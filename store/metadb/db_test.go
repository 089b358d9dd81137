package metadb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db := New(WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testMeta(tenant, key, url string, expiresAt time.Time) *EntryMeta {
	return &EntryMeta{
		Tenant:     tenant,
		Key:        key,
		URL:        url,
		Path:       url,
		Encoding:   "identity",
		BodySize:   100,
		StoredSize: 100,
		CreatedAt:  expiresAt.Add(-time.Hour),
		ExpiresAt:  expiresAt,
	}
}

func TestPutGetEntry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	meta := testMeta("site-a", "abc123", "/blog/post-1", time.Now().Add(time.Hour))
	require.NoError(t, db.PutEntry(ctx, meta))

	got, err := db.GetEntry(ctx, "site-a", "abc123")
	require.NoError(t, err)
	require.Equal(t, meta.URL, got.URL)
	require.Equal(t, meta.Encoding, got.Encoding)
	require.WithinDuration(t, meta.ExpiresAt, got.ExpiresAt, time.Millisecond)
}

func TestGetEntryNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetEntry(context.Background(), "site-a", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutEntryRejectsInvalidLifetime(t *testing.T) {
	db := newTestDB(t)

	meta := testMeta("site-a", "abc", "/", time.Now())
	meta.CreatedAt = meta.ExpiresAt
	require.Error(t, db.PutEntry(context.Background(), meta))
}

func TestPutEntryOverwrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := testMeta("site-a", "abc", "/", time.Now().Add(time.Hour))
	require.NoError(t, db.PutEntry(ctx, first))

	second := testMeta("site-a", "abc", "/", time.Now().Add(2*time.Hour))
	second.BodySize = 200
	require.NoError(t, db.PutEntry(ctx, second))

	got, err := db.GetEntry(ctx, "site-a", "abc")
	require.NoError(t, err)
	require.Equal(t, int64(200), got.BodySize)

	// The old expiry index entry must be gone: only the new expiry
	// remains visible.
	refs, err := db.ExpiredBefore(ctx, time.Now().Add(3*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, refs, 1)
}

func TestDeleteEntryIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	meta := testMeta("site-a", "abc", "/", time.Now().Add(time.Hour))
	require.NoError(t, db.PutEntry(ctx, meta))

	require.NoError(t, db.DeleteEntry(ctx, "site-a", "abc"))
	require.NoError(t, db.DeleteEntry(ctx, "site-a", "abc"))

	_, err := db.GetEntry(ctx, "site-a", "abc")
	require.ErrorIs(t, err, ErrNotFound)

	refs, err := db.ExpiredBefore(ctx, time.Now().Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestForEachScopedToTenant(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	require.NoError(t, db.PutEntry(ctx, testMeta("site-a", "k1", "/a", expires)))
	require.NoError(t, db.PutEntry(ctx, testMeta("site-a", "k2", "/b", expires)))
	require.NoError(t, db.PutEntry(ctx, testMeta("site-b", "k3", "/c", expires)))

	var urls []string
	err := db.ForEach(ctx, "site-a", func(meta *EntryMeta) error {
		urls = append(urls, meta.URL)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"/a", "/b"}, urls)
}

func TestExpiredBefore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.PutEntry(ctx, testMeta("site-a", "old", "/old", now.Add(-time.Minute))))
	require.NoError(t, db.PutEntry(ctx, testMeta("site-a", "older", "/older", now.Add(-time.Hour))))
	require.NoError(t, db.PutEntry(ctx, testMeta("site-a", "fresh", "/fresh", now.Add(time.Hour))))

	refs, err := db.ExpiredBefore(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	// Oldest expiry first.
	require.Equal(t, "older", refs[0].Key)
	require.Equal(t, "old", refs[1].Key)

	limited, err := db.ExpiredBefore(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	a := testMeta("site-a", "k1", "/a", expires)
	a.StoredSize = 300
	b := testMeta("site-a", "k2", "/b", expires)
	b.StoredSize = 200
	require.NoError(t, db.PutEntry(ctx, a))
	require.NoError(t, db.PutEntry(ctx, b))

	count, bytes, err := db.Stats(ctx, "site-a")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, int64(500), bytes)

	count, bytes, err = db.Stats(ctx, "site-b")
	require.NoError(t, err)
	require.Zero(t, count)
	require.Zero(t, bytes)
}

func TestTimestampRoundTrip(t *testing.T) {
	times := []time.Time{
		time.Unix(0, 0),
		time.Now(),
		time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2100, 6, 15, 12, 30, 0, 123456789, time.UTC),
	}
	for _, tt := range times {
		got := decodeTimestamp(encodeTimestamp(tt))
		require.True(t, got.Equal(tt), "round trip of %v gave %v", tt, got)
	}
}
