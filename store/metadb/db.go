// Package metadb stores cache entry metadata in bbolt, separately from the
// page bodies, so entries can be inspected and expired without touching
// payloads.
package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// EntryMeta contains metadata about a cached page, stored alongside but
// independently of the body.
type EntryMeta struct {
	Tenant      string    `json:"tenant"`
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type,omitempty"`
	Encoding    string    `json:"encoding"`
	BodySize    int64     `json:"body_size"`
	StoredSize  int64     `json:"stored_size"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at the given time.
func (m *EntryMeta) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// EntryRef identifies an entry without carrying its metadata.
type EntryRef struct {
	Tenant string
	Key    string
}

// DB is the bbolt-backed metadata database.
type DB struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash; testing and benchmarking only.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates a DB instance. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at the given path and creates the buckets.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	d.db = db

	err = d.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketEntriesByExpiry, bucketExpiryByEntry} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	d.logger.Debug("opened metadb", "path", path)
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// PutEntry stores entry metadata, replacing any previous entry for the
// same tenant and key and updating the expiry indexes.
func (d *DB) PutEntry(_ context.Context, meta *EntryMeta) error {
	if !meta.ExpiresAt.After(meta.CreatedAt) {
		return fmt.Errorf("entry expires_at %v not after created_at %v", meta.ExpiresAt, meta.CreatedAt)
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}

	return d.db.Update(func(tx *bbolt.Tx) error {
		scoped := makeScopedKey(meta.Tenant, meta.Key)

		if err := tx.Bucket(bucketEntries).Put(scoped, data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return d.updateExpiryIndex(tx, meta.Tenant, meta.Key, &meta.ExpiresAt)
	})
}

// updateExpiryIndex maintains the forward and reverse expiry indexes.
// A nil expiresAt only removes existing index entries.
func (d *DB) updateExpiryIndex(tx *bbolt.Tx, tenant, key string, expiresAt *time.Time) error {
	forward := tx.Bucket(bucketEntriesByExpiry)
	reverse := tx.Bucket(bucketExpiryByEntry)
	scoped := makeScopedKey(tenant, key)

	if tsBytes := reverse.Get(scoped); tsBytes != nil {
		old := decodeTimestamp(tsBytes)
		if err := forward.Delete(makeExpiryKey(old, tenant, key)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverse.Delete(scoped); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAt != nil {
		if err := forward.Put(makeExpiryKey(*expiresAt, tenant, key), scoped); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverse.Put(scoped, encodeTimestamp(*expiresAt)); err != nil {
			return fmt.Errorf("putting reverse index: %w", err)
		}
	}

	return nil
}

// GetEntry retrieves entry metadata. Returns ErrNotFound if absent.
// Expiry is not checked here; callers decide what stale means.
func (d *DB) GetEntry(_ context.Context, tenant, key string) (*EntryMeta, error) {
	var meta EntryMeta
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get(makeScopedKey(tenant, key))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// DeleteEntry removes entry metadata and its index entries. Deleting a
// non-existent entry is not an error.
func (d *DB) DeleteEntry(_ context.Context, tenant, key string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		if err := d.updateExpiryIndex(tx, tenant, key, nil); err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Delete(makeScopedKey(tenant, key))
	})
}

// ForEach calls fn for every entry belonging to the tenant. Returning an
// error from fn stops iteration and propagates the error.
func (d *DB) ForEach(_ context.Context, tenant string, fn func(*EntryMeta) error) error {
	prefix := makeScopedKey(tenant, "")

	return d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var meta EntryMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("unmarshaling entry %q: %w", k, err)
			}
			if err := fn(&meta); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExpiredBefore returns references to entries whose expiry time precedes
// the cutoff, oldest first, across all tenants. A limit of 0 means no
// limit.
func (d *DB) ExpiredBefore(_ context.Context, cutoff time.Time, limit int) ([]EntryRef, error) {
	var refs []EntryRef
	err := d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntriesByExpiry).Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			expiresAt, tenant, key := parseExpiryKey(k)
			if !expiresAt.Before(cutoff) {
				break
			}
			refs = append(refs, EntryRef{Tenant: tenant, Key: key})
			if limit > 0 && len(refs) >= limit {
				break
			}
		}
		return nil
	})
	return refs, err
}

// Stats returns the entry count and total stored bytes for a tenant,
// computed from current metadata at call time.
func (d *DB) Stats(ctx context.Context, tenant string) (count int, bytes int64, err error) {
	err = d.ForEach(ctx, tenant, func(meta *EntryMeta) error {
		count++
		bytes += meta.StoredSize
		return nil
	})
	return count, bytes, err
}
