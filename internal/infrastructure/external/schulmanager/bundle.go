package schulmanager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/schulhub/schulsync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// BUNDLE VERSION RESOLVER
//
// Every /api/calls envelope carries the version of the frontend build the
// portal currently serves. The version is not published anywhere; the
// frontend compiles it into its JavaScript bundles. The resolver scrapes it
// from there and caches it until the portal rejects it as stale.
// ══════════════════════════════════════════════════════════════════════════════

const (
	// fallbackBundleVersion is sent when scraping fails entirely. A stale
	// version degrades some endpoints but keeps most of them working.
	fallbackBundleVersion = "7aa63feca5"

	// defaultBundleTTL bounds how long a scraped version is trusted without
	// re-checking. Portal deploys happen every few weeks.
	defaultBundleTTL = 6 * time.Hour

	// maxBundleBodyBytes caps script downloads. The largest portal bundles
	// observed are around 3 MB.
	maxBundleBodyBytes = 8 << 20
)

var (
	// bundleLiteralRe matches the version written out directly,
	// e.g. bundleVersion:"7aa63feca5".
	bundleLiteralRe = regexp.MustCompile(`(?i)bundleVersion\s*:\s*["']([a-f0-9]{8,12})["']`)

	// bundleIdentRe matches minified builds that assign the version to a
	// constant first, e.g. bundleVersion:Vn.
	bundleIdentRe = regexp.MustCompile(`bundleVersion\s*:\s*([A-Za-z_$][\w$]*)`)

	// bundleNearRe is the last resort: any hex literal within reach of the
	// word bundleVersion.
	bundleNearRe = regexp.MustCompile(`(?is)bundleVersion.{0,120}?["']([a-f0-9]{8,12})["']`)

	scriptSrcRe = regexp.MustCompile(`(?i)<script[^>]+src=["']([^"']+\.js[^"']*)["']`)
	linkTagRe   = regexp.MustCompile(`(?i)<link\b[^>]*>`)
	hrefAttrRe  = regexp.MustCompile(`(?i)href=["']([^"']+\.js[^"']*)["']`)
)

// BundleCache stores the scraped bundle version between refresh cycles and,
// with the Redis implementation, between process restarts. Implementations
// swallow their backend errors; a cache miss is never fatal.
type BundleCache interface {
	Get(ctx context.Context) (string, bool)
	Set(ctx context.Context, version string)
	Delete(ctx context.Context)
}

// memoryBundleCache is the in-process default when no shared cache is wired.
type memoryBundleCache struct {
	mu        sync.Mutex
	version   string
	expiresAt time.Time
	ttl       time.Duration
}

func newMemoryBundleCache(ttl time.Duration) *memoryBundleCache {
	if ttl <= 0 {
		ttl = defaultBundleTTL
	}
	return &memoryBundleCache{ttl: ttl}
}

func (c *memoryBundleCache) Get(_ context.Context) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.version == "" || time.Now().After(c.expiresAt) {
		return "", false
	}
	return c.version, true
}

func (c *memoryBundleCache) Set(_ context.Context, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version = version
	c.expiresAt = time.Now().Add(c.ttl)
}

func (c *memoryBundleCache) Delete(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version = ""
	c.expiresAt = time.Time{}
}

// BundleResolver scrapes the portal's bundle version and serves it from
// cache. Safe for concurrent use; concurrent misses trigger one scrape.
type BundleResolver struct {
	baseURL    string
	httpClient *http.Client
	cache      BundleCache
	logger     *slog.Logger

	mu sync.Mutex // serializes scrapes
}

// NewBundleResolver creates a resolver for the given portal base URL.
// A nil cache falls back to an in-process cache with the default TTL.
func NewBundleResolver(baseURL string, httpClient *http.Client, cache BundleCache, logger *slog.Logger) *BundleResolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cache == nil {
		cache = newMemoryBundleCache(defaultBundleTTL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &BundleResolver{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		cache:      cache,
		logger:     logger,
	}
}

// Version returns the current bundle version, scraping the portal on a cache
// miss. When scraping fails entirely the known-good fallback is returned and
// not cached, so the next call tries again.
func (r *BundleResolver) Version(ctx context.Context) string {
	if v, ok := r.cache.Get(ctx); ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have scraped while we waited for the lock
	if v, ok := r.cache.Get(ctx); ok {
		return v
	}

	version, err := r.scrape(ctx)
	if err != nil {
		r.logger.Warn("bundle version scrape failed, using fallback",
			"fallback", fallbackBundleVersion, "error", err)
		return fallbackBundleVersion
	}

	r.logger.Info("bundle version resolved", "version", version)
	r.cache.Set(ctx, version)
	return version
}

// Invalidate drops the cached version. The client calls this after the
// portal rejects an envelope as stale.
func (r *BundleResolver) Invalidate(ctx context.Context) {
	r.cache.Delete(ctx)
}

// scrape fetches the index page and its JavaScript bundles until one of them
// yields a version.
func (r *BundleResolver) scrape(ctx context.Context) (string, error) {
	html, err := r.fetch(ctx, r.baseURL+"/")
	if err != nil {
		return "", fmt.Errorf("schulmanager: fetch index page: %w", err)
	}

	// Inline scripts on the index page occasionally carry the version
	if v, mode, ok := extractBundleVersion(html); ok {
		r.logger.Debug("bundle version found on index page", "version", v, "mode", mode)
		return v, nil
	}

	scripts := collectScriptURLs(r.baseURL, html)
	for _, scriptURL := range scripts {
		js, err := r.fetch(ctx, scriptURL)
		if err != nil {
			r.logger.Debug("bundle script fetch failed", "url", scriptURL, "error", err)
			continue
		}
		if v, mode, ok := extractBundleVersion(js); ok {
			r.logger.Debug("bundle version found", "version", v, "mode", mode, "url", scriptURL)
			return v, nil
		}
	}

	return "", fmt.Errorf("schulmanager: no version in %d scripts: %w", len(scripts), shared.ErrBundleNotFound)
}

func (r *BundleResolver) fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept-Language", acceptLanguage)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleBodyBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// extractBundleVersion searches JavaScript or HTML text for the bundle
// version. Returns the version, the name of the strategy that matched, and
// whether anything matched.
func extractBundleVersion(text string) (version, mode string, ok bool) {
	if m := bundleLiteralRe.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1]), "literal", true
	}

	// Minified builds route the version through a constant; find the
	// identifier, then its definition.
	if m := bundleIdentRe.FindStringSubmatch(text); m != nil {
		defRe, err := regexp.Compile(`\b(?:const|let|var)\s+` + regexp.QuoteMeta(m[1]) + `\s*=\s*["']([a-f0-9]{8,12})["']`)
		if err == nil {
			if def := defRe.FindStringSubmatch(text); def != nil {
				return def[1], "ident", true
			}
		}
	}

	if m := bundleNearRe.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1]), "near", true
	}

	return "", "", false
}

// collectScriptURLs extracts the JavaScript URLs referenced by the index
// page: <script src> tags plus modulepreload links, resolved against the
// base URL. Document order is preserved, duplicates dropped.
func collectScriptURLs(baseURL, html string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var urls []string
	seen := make(map[string]struct{})

	add := func(raw string) {
		ref, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref).String()
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		urls = append(urls, resolved)
	}

	for _, m := range scriptSrcRe.FindAllStringSubmatch(html, -1) {
		add(m[1])
	}
	for _, tag := range linkTagRe.FindAllString(html, -1) {
		if !strings.Contains(strings.ToLower(tag), "modulepreload") {
			continue
		}
		if m := hrefAttrRe.FindStringSubmatch(tag); m != nil {
			add(m[1])
		}
	}

	return urls
}
