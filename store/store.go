// Package store persists cached page bodies on disk with their metadata in
// a bbolt database, keyed by tenant scope and request fingerprint.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfeidau/pagecache"
	"github.com/wolfeidau/pagecache/store/metadb"
)

// Entry is a cached page returned by Get. Body is always the decompressed
// bytes; Encoding records how the body was stored, for diagnostics only.
type Entry struct {
	Key         pagecache.Key
	URL         string
	ContentType string
	Body        []byte
	Encoding    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// PutInput describes a page to cache.
type PutInput struct {
	Tenant      string
	Key         pagecache.Key
	URL         string
	ContentType string
	Body        []byte
	TTL         time.Duration
}

// Store is the disk-backed page cache.
type Store struct {
	root   string
	meta   *metadb.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store rooted at the given directory, creating it if
// needed. The metadata database lives at meta.db under the same root.
func New(root string, opts ...Option) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	s := &Store{
		root:   absRoot,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.meta = metadb.New(metadb.WithLogger(s.logger))
	if err := s.meta.Open(filepath.Join(absRoot, "meta.db")); err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}

	return s, nil
}

// Close closes the store and its metadata database.
func (s *Store) Close() error {
	return s.meta.Close()
}

// Get returns the entry for the key, or pagecache.ErrNotFound if no entry
// exists or the entry has expired. Expired entries are treated as absent
// even when their bytes are still on disk.
func (s *Store) Get(ctx context.Context, tenant string, key pagecache.Key) (*Entry, error) {
	meta, err := s.meta.GetEntry(ctx, normalizeTenant(tenant), key.String())
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, pagecache.ErrNotFound
		}
		return nil, &pagecache.StorageError{Op: "get", Err: err}
	}

	if meta.Expired(s.now()) {
		return nil, pagecache.ErrNotFound
	}

	data, err := s.readBlob(s.blobPath(tenant, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Metadata without a body; treat as a miss.
			return nil, pagecache.ErrNotFound
		}
		return nil, &pagecache.StorageError{Op: "get", Err: err}
	}

	body, err := decodeBody(data, meta.Encoding)
	if err != nil {
		return nil, &pagecache.StorageError{Op: "get", Err: err}
	}

	return &Entry{
		Key:         key,
		URL:         meta.URL,
		ContentType: meta.ContentType,
		Body:        body,
		Encoding:    meta.Encoding,
		CreatedAt:   meta.CreatedAt,
		ExpiresAt:   meta.ExpiresAt,
	}, nil
}

// Put caches a page, overwriting any existing entry for the key. The body
// write is atomic: a partially written entry is never observable. Bodies
// that benefit from compression are stored gzipped; callers always work
// with uncompressed bytes.
func (s *Store) Put(ctx context.Context, in PutInput) error {
	if in.TTL <= 0 {
		return &pagecache.ValidationError{Msg: fmt.Sprintf("ttl must be positive, got %v", in.TTL)}
	}

	data, encoding := encodeBody(in.Body)

	if err := s.writeBlob(s.blobPath(in.Tenant, in.Key), data); err != nil {
		return &pagecache.StorageError{Op: "put", Err: err}
	}

	now := s.now()
	req := pagecache.Request{URL: in.URL}
	meta := &metadb.EntryMeta{
		Tenant:      normalizeTenant(in.Tenant),
		Key:         in.Key.String(),
		URL:         in.URL,
		Path:        req.Path(),
		ContentType: in.ContentType,
		Encoding:    encoding,
		BodySize:    int64(len(in.Body)),
		StoredSize:  int64(len(data)),
		CreatedAt:   now,
		ExpiresAt:   now.Add(in.TTL),
	}
	if err := s.meta.PutEntry(ctx, meta); err != nil {
		return &pagecache.StorageError{Op: "put", Err: err}
	}

	s.logger.Debug("cached page",
		"tenant", meta.Tenant,
		"key", in.Key.ShortString(),
		"url", in.URL,
		"encoding", encoding,
		"body_size", meta.BodySize,
		"stored_size", meta.StoredSize,
		"ttl", in.TTL,
	)
	return nil
}

// FlushOne removes a single entry by key. Removing a non-existent entry
// is not an error.
func (s *Store) FlushOne(ctx context.Context, tenant string, key pagecache.Key) error {
	if err := s.removeBlob(s.blobPath(tenant, key)); err != nil {
		return &pagecache.StorageError{Op: "flush", Err: err}
	}
	if err := s.meta.DeleteEntry(ctx, normalizeTenant(tenant), key.String()); err != nil {
		return &pagecache.StorageError{Op: "flush", Err: err}
	}
	return nil
}

// FlushURL removes every entry whose source URL path matches the given
// path exactly (a URL can have several entries across device classes and
// session variants). Returns the number of entries removed.
func (s *Store) FlushURL(ctx context.Context, tenant, urlPath string) (int, error) {
	return s.flushMatching(ctx, tenant, func(meta *metadb.EntryMeta) bool {
		return meta.Path == urlPath
	})
}

// FlushPattern removes every entry whose source URL path matches the glob
// pattern, using the same semantics as whitelist and blacklist rules.
// Returns the number of entries removed.
func (s *Store) FlushPattern(ctx context.Context, tenant, pattern string) (int, error) {
	return s.flushMatching(ctx, tenant, func(meta *metadb.EntryMeta) bool {
		return pagecache.MatchPattern(pattern, meta.Path)
	})
}

// FlushAll removes every entry for the tenant. Returns the number of
// entries removed.
func (s *Store) FlushAll(ctx context.Context, tenant string) (int, error) {
	return s.flushMatching(ctx, tenant, func(*metadb.EntryMeta) bool { return true })
}

func (s *Store) flushMatching(ctx context.Context, tenant string, match func(*metadb.EntryMeta) bool) (int, error) {
	var keys []pagecache.Key
	err := s.meta.ForEach(ctx, normalizeTenant(tenant), func(meta *metadb.EntryMeta) error {
		if !match(meta) {
			return nil
		}
		key, err := pagecache.ParseKey(meta.Key)
		if err != nil {
			return fmt.Errorf("invalid stored key %q: %w", meta.Key, err)
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return 0, &pagecache.StorageError{Op: "flush", Err: err}
	}

	for _, key := range keys {
		if err := s.FlushOne(ctx, tenant, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// Count returns the number of live entries for the tenant, computed from
// current metadata.
func (s *Store) Count(ctx context.Context, tenant string) (int, error) {
	count, _, err := s.meta.Stats(ctx, normalizeTenant(tenant))
	if err != nil {
		return 0, &pagecache.StorageError{Op: "count", Err: err}
	}
	return count, nil
}

// SizeBytes returns the total on-disk size of stored bodies for the
// tenant.
func (s *Store) SizeBytes(ctx context.Context, tenant string) (int64, error) {
	_, bytes, err := s.meta.Stats(ctx, normalizeTenant(tenant))
	if err != nil {
		return 0, &pagecache.StorageError{Op: "size", Err: err}
	}
	return bytes, nil
}

// SweepResult reports what a Sweep removed.
type SweepResult struct {
	Deleted    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// Sweep deletes entries that are past their expiry, across all tenants.
// Correctness never depends on it running: Get already treats expired
// entries as absent. Sweep only reclaims space.
func (s *Store) Sweep(ctx context.Context) (*SweepResult, error) {
	start := s.now()
	result := &SweepResult{}

	refs, err := s.meta.ExpiredBefore(ctx, start, 0)
	if err != nil {
		return nil, &pagecache.StorageError{Op: "sweep", Err: err}
	}

	for _, ref := range refs {
		key, err := pagecache.ParseKey(ref.Key)
		if err != nil {
			result.Errors++
			continue
		}
		meta, err := s.meta.GetEntry(ctx, ref.Tenant, ref.Key)
		if err == nil {
			result.BytesFreed += meta.StoredSize
		}
		if err := s.FlushOne(ctx, ref.Tenant, key); err != nil {
			s.logger.Warn("failed to sweep entry", "key", key.ShortString(), "error", err)
			result.Errors++
			continue
		}
		result.Deleted++
	}

	result.Duration = s.now().Sub(start)
	if result.Deleted > 0 {
		s.logger.Info("sweep complete",
			"deleted", result.Deleted,
			"bytes_freed", result.BytesFreed,
			"errors", result.Errors,
			"duration", result.Duration,
		)
	}
	return result, nil
}

// normalizeTenant maps the empty tenant scope to a stable default so that
// metadata keys and disk paths always have a tenant segment.
func normalizeTenant(tenant string) string {
	if tenant == "" {
		return "default"
	}
	return tenant
}
