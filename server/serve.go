package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/pagecache"
	"github.com/wolfeidau/pagecache/dispatch"
	"github.com/wolfeidau/pagecache/store"
	"github.com/wolfeidau/pagecache/telemetry"
)

// handleServe is the catch-all serving path. It classifies the request,
// dispatches it through the cache and proxies misses to the origin.
func (s *Server) handleServe(w http.ResponseWriter, r *http.Request) {
	cfg := s.provider.Snapshot()
	tenant := s.tenantFor(r)
	telemetry.SetTenant(r, tenant)

	originURL := *s.origin
	originURL.Path = r.URL.Path
	originURL.RawQuery = r.URL.RawQuery

	req := &pagecache.Request{
		Tenant:     tenant,
		URL:        originURL.String(),
		Device:     deviceClass(r.UserAgent()),
		HasSession: hasSession(r.Cookies(), cfg.SessionCookies),
	}

	gen := func(ctx context.Context, _ *pagecache.Request) (*dispatch.Generated, error) {
		return s.originFetch(ctx, &originURL, r.UserAgent())
	}

	result, err := s.dispatcher.Handle(r.Context(), req, gen)
	if err != nil {
		var genErr *pagecache.GenerationError
		if errors.As(err, &genErr) {
			s.logger.Warn("origin fetch failed", "url", genErr.URL, "error", genErr.Err)
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		s.logger.Error("dispatch failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	switch result.Status {
	case dispatch.StatusHit:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	case dispatch.StatusMiss:
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	default:
		telemetry.SetCacheResult(r, telemetry.CacheBypass)
	}

	contentType := result.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Cache", string(result.Status))
	_, _ = w.Write(result.Body)
}

// originFetch retrieves a page from the origin. Any status other than
// 200 is a generation failure.
func (s *Server) originFetch(ctx context.Context, u *url.URL, userAgent string) (*dispatch.Generated, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("origin status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &dispatch.Generated{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// warmFetch fetches one URL and stores it unconditionally. Warming is an
// explicit operator request, so it bypasses traffic scoring.
func (s *Server) warmFetch(ctx context.Context, tenant, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	target := s.origin.ResolveReference(parsed)

	start := time.Now()
	page, err := s.originFetch(ctx, target, "")
	if err != nil {
		telemetry.RecordWarmFetch(ctx, "error", time.Since(start))
		return err
	}
	telemetry.RecordWarmFetch(ctx, "ok", time.Since(start))

	cfg := s.provider.Snapshot()

	req := &pagecache.Request{
		Tenant: tenant,
		URL:    target.String(),
		Device: pagecache.DeviceDesktop,
	}

	return s.store.Put(ctx, store.PutInput{
		Tenant:      tenant,
		Key:         pagecache.Fingerprint(req),
		URL:         req.URL,
		ContentType: page.ContentType,
		Body:        page.Body,
		TTL:         cfg.TTLFor(req.Path()),
	})
}

// deviceClass buckets a User-Agent into a cache variant.
func deviceClass(userAgent string) pagecache.DeviceClass {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return pagecache.DeviceTablet
	case strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		// Android tablets omit the Mobile token
		return pagecache.DeviceTablet
	case strings.Contains(ua, "mobi") || strings.Contains(ua, "iphone"):
		return pagecache.DeviceMobile
	default:
		return pagecache.DeviceDesktop
	}
}

// hasSession reports whether any cookie name matches the configured
// session cookie patterns.
func hasSession(cookies []*http.Cookie, patterns []string) bool {
	for _, c := range cookies {
		if pagecache.MatchAny(patterns, c.Name) {
			return true
		}
	}
	return false
}
