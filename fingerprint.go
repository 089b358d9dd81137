// Package pagecache provides a disk-backed static page cache with
// traffic-scored automatic promotion.
package pagecache

import (
	"net/url"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// DeviceClass groups user agents into cache variants. Pages often render
// differently per device, so the class participates in the fingerprint.
type DeviceClass string

const (
	DeviceDesktop DeviceClass = "desktop"
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
)

// Request carries the cache-relevant attributes of an inbound request.
// The core never sees raw HTTP; the host extracts these fields.
type Request struct {
	// Tenant is the opaque namespace for multi-site isolation.
	Tenant string

	// URL is the request URL. The path and host participate in the
	// fingerprint; the query string is taken from Query when set,
	// otherwise from the URL itself.
	URL string

	// Query overrides the query parameters parsed from URL when non-nil.
	Query url.Values

	// Device is the device class of the requesting user agent.
	Device DeviceClass

	// HasSession reports whether a session cookie was present. Logged-in
	// and anonymous views of the same URL must never share an entry.
	HasSession bool
}

// Path returns the URL path of the request, or the raw URL when it does
// not parse.
func (r *Request) Path() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return r.URL
	}
	return u.Path
}

// Fingerprint derives the cache key for a request. It is deterministic:
// identical inputs always produce the same key, and query parameter order
// does not matter. Unparseable URLs fall back to hashing the raw string.
func Fingerprint(req *Request) Key {
	var b strings.Builder

	b.WriteString(req.Tenant)
	b.WriteByte('\n')

	u, err := url.Parse(req.URL)
	if err != nil {
		b.WriteString(req.URL)
	} else {
		b.WriteString(u.Host)
		b.WriteString(u.Path)
		b.WriteByte('\n')

		query := req.Query
		if query == nil {
			query = u.Query()
		}
		b.WriteString(canonicalQuery(query))
	}
	b.WriteByte('\n')

	device := req.Device
	if device == "" {
		device = DeviceDesktop
	}
	b.WriteString(string(device))
	b.WriteByte('\n')

	if req.HasSession {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}

	return Key(blake3.Sum256([]byte(b.String())))
}

// canonicalQuery encodes query parameters with keys and values in
// lexicographic order, so that reordered parameters hash identically.
func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
