package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// bucketEntries holds entry metadata: tenant|key -> EntryMeta JSON.
	bucketEntries = []byte("entries")

	// bucketEntriesByExpiry is the forward expiry index:
	// timestamp|tenant|key -> tenant|key. Keys sort by expiry time.
	bucketEntriesByExpiry = []byte("entries_by_expiry")

	// bucketExpiryByEntry is the reverse index: tenant|key -> 8-byte
	// timestamp. Allows O(1) removal of forward index entries.
	bucketExpiryByEntry = []byte("expiry_by_entry")
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so that byte-wise comparison matches chronological order. The
// offset shifts signed nanoseconds into unsigned range.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeScopedKey creates a compound key scoping a cache key to a tenant.
// Format: [tenant][null separator][key]
func makeScopedKey(tenant, key string) []byte {
	result := make([]byte, len(tenant)+1+len(key))
	copy(result, tenant)
	result[len(tenant)] = 0
	copy(result[len(tenant)+1:], key)
	return result
}

// parseScopedKey extracts tenant and key from a compound key.
func parseScopedKey(data []byte) (tenant, key string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}

// makeExpiryKey creates a key for the entries_by_expiry index.
// Format: [8-byte timestamp][tenant][null separator][key]
func makeExpiryKey(expiresAt time.Time, tenant, key string) []byte {
	ts := encodeTimestamp(expiresAt)
	result := make([]byte, 8+len(tenant)+1+len(key))
	copy(result[:8], ts)
	copy(result[8:], tenant)
	result[8+len(tenant)] = 0
	copy(result[8+len(tenant)+1:], key)
	return result
}

// parseExpiryKey extracts the expiry time, tenant, and key from an
// entries_by_expiry index key.
func parseExpiryKey(data []byte) (expiresAt time.Time, tenant, key string) {
	if len(data) < 9 {
		return time.Time{}, "", ""
	}
	expiresAt = decodeTimestamp(data[:8])
	tenant, key = parseScopedKey(data[8:])
	return
}
