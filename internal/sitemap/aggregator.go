package sitemap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kasha/gateway/internal/config"
	"github.com/kasha/gateway/internal/metrics"
	"github.com/kasha/gateway/internal/siteconfig"
	"github.com/kasha/gateway/internal/snapshot"
)

// ErrPageNotFound is returned for pages past the end of a variant's
// filtered stream (and for variants with nothing to list).
var ErrPageNotFound = errors.New("sitemap page out of range")

// Rendered is one generated artifact, ready to serve.
type Rendered struct {
	ContentType string
	Body        []byte
	MaxAge      int // seconds, for Cache-Control
}

const memoSize = 1024

// Aggregator streams cached snapshots of a site and emits sitemap and
// robots artifacts. Generated pages are memoized per
// (site, variant, page) for the configured sitemap TTL.
type Aggregator struct {
	store snapshot.Store
	sites *siteconfig.Resolver
	memo  *expirable.LRU[string, *Rendered]

	sitemapMaxAge int
	robotsMaxAge  int
}

// NewAggregator creates the aggregator.
func NewAggregator(store snapshot.Store, sites *siteconfig.Resolver, cache config.CacheConfig) *Aggregator {
	ttl := time.Duration(cache.Sitemap) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Aggregator{
		store:         store,
		sites:         sites,
		memo:          expirable.NewLRU[string, *Rendered](memoSize, nil, ttl),
		sitemapMaxAge: cache.Sitemap,
		robotsMaxAge:  cache.RobotsTxt,
	}
}

// Generate produces the artifact for a site. site is the origin
// ("https://example.com"); baseURL is the absolute URL prefix the
// site's sitemap artifacts are served under, used for index and
// robots references.
func (a *Aggregator) Generate(ctx context.Context, site, baseURL string, art Artifact) (*Rendered, error) {
	if art.Robots {
		return a.generateRobots(ctx, site, baseURL)
	}

	memoKey := site + "|" + baseURL + "|" + art.Name()
	if r, ok := a.memo.Get(memoKey); ok {
		return r, nil
	}

	policy := a.policyFor(ctx, site)
	r, err := a.generatePage(ctx, site, baseURL, art, policy)
	if err != nil {
		return nil, err
	}

	a.memo.Add(memoKey, r)
	metrics.SitemapPages.WithLabelValues(string(art.Variant)).Inc()
	return r, nil
}

// policyFor resolves the site's config; a missing config means the
// default policy (everything indexable).
func (a *Aggregator) policyFor(ctx context.Context, site string) *siteconfig.SiteConfig {
	cfg, err := a.sites.Resolve(ctx, hostOnly(site))
	if err != nil {
		return nil
	}
	return cfg
}

// variantScan is the result of one filtered pass over a site's
// snapshots for one variant.
type variantScan struct {
	total   int
	window  []urlEntry
	lastMod time.Time
}

// scan streams the site's snapshots, filters by robots policy and
// variant predicate, and collects entries [lo, hi) of the filtered
// stream. Paths are deduplicated across device types; the scan is
// path-ordered so duplicates are adjacent.
func (a *Aggregator) scan(ctx context.Context, site string, policy *siteconfig.SiteConfig, v Variant, lo, hi int) (*variantScan, error) {
	res := &variantScan{}
	now := time.Now()
	cursor := ""
	lastPath := "\x00unset"

	for {
		page, err := a.store.ScanBySite(ctx, site, cursor, 0)
		if err != nil {
			return nil, fmt.Errorf("sitemap scan: %w", err)
		}
		for _, s := range page.Snapshots {
			if s.Key.Path == lastPath {
				continue
			}
			if policy != nil && !policy.PathIndexable(s.Key.Path) {
				continue
			}
			if !v.matches(s, now) {
				continue
			}
			lastPath = s.Key.Path

			if s.Times.UpdatedAt.After(res.lastMod) {
				res.lastMod = s.Times.UpdatedAt
			}
			if res.total >= lo && res.total < hi {
				res.window = append(res.window, urlEntryFor(v, site, s))
			}
			res.total++
		}
		if page.NextCursor == "" {
			return res, nil
		}
		cursor = page.NextCursor
	}
}

// matches is the variant predicate over one snapshot.
func (v Variant) matches(s *snapshot.Snapshot, now time.Time) bool {
	if s.Key.Type != snapshot.TypeHTML || s.Status != 200 || s.Error != "" || s.Redirect != "" {
		return false
	}
	switch v {
	case VariantNews:
		return !s.Meta.PublishedAt.IsZero() && now.Sub(s.Meta.PublishedAt) <= newsWindow
	case VariantImage:
		return len(s.Meta.Images) > 0
	case VariantVideo:
		return len(s.Meta.Videos) > 0
	default:
		return true
	}
}

func (a *Aggregator) generatePage(ctx context.Context, site, baseURL string, art Artifact, policy *siteconfig.SiteConfig) (*Rendered, error) {
	size := art.Variant.PageSize()

	if art.Index {
		// The index lists the variant's pages; it is itself paged by
		// the same budget.
		sc, err := a.scan(ctx, site, policy, art.Variant, 0, 0)
		if err != nil {
			return nil, err
		}
		pages := (sc.total + size - 1) / size
		indexPages := (pages + pageSize - 1) / pageSize
		if pages == 0 || art.Page > indexPages {
			return nil, ErrPageNotFound
		}
		lo := (art.Page - 1) * pageSize
		hi := min(lo+pageSize, pages)
		body, err := renderIndexRange(art.Variant, baseURL, lo+1, hi, sc.lastMod)
		if err != nil {
			return nil, err
		}
		return &Rendered{ContentType: "application/xml; charset=utf-8", Body: body, MaxAge: a.sitemapMaxAge}, nil
	}

	lo := (art.Page - 1) * size
	sc, err := a.scan(ctx, site, policy, art.Variant, lo, lo+size)
	if err != nil {
		return nil, err
	}
	pages := (sc.total + size - 1) / size
	if pages == 0 || art.Page > pages {
		return nil, ErrPageNotFound
	}

	body, err := renderURLSet(art.Variant, sc.window)
	if err != nil {
		return nil, err
	}
	return &Rendered{ContentType: "application/xml; charset=utf-8", Body: body, MaxAge: a.sitemapMaxAge}, nil
}

// generateRobots emits the site's configured directives followed by a
// Sitemap: line for each variant index that has at least one page.
func (a *Aggregator) generateRobots(ctx context.Context, site, baseURL string) (*Rendered, error) {
	policy := a.policyFor(ctx, site)

	var b strings.Builder
	if policy != nil && len(policy.Robots) > 0 {
		for _, g := range policy.Robots {
			ua := g.UserAgent
			if ua == "" {
				ua = "*"
			}
			fmt.Fprintf(&b, "User-agent: %s\n", ua)
			for _, p := range g.Allow {
				fmt.Fprintf(&b, "Allow: %s\n", p)
			}
			for _, p := range g.Disallow {
				fmt.Fprintf(&b, "Disallow: %s\n", p)
			}
			b.WriteByte('\n')
		}
	} else {
		b.WriteString("User-agent: *\nAllow: /\n\n")
	}

	for _, v := range Variants {
		sc, err := a.scan(ctx, site, policy, v, 0, 0)
		if err != nil {
			return nil, err
		}
		if sc.total > 0 {
			fmt.Fprintf(&b, "Sitemap: %s/%s\n", baseURL, Artifact{Variant: v, Index: true, Page: 1}.Name())
		}
	}

	metrics.SitemapPages.WithLabelValues("robots").Inc()
	return &Rendered{
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(b.String()),
		MaxAge:      a.robotsMaxAge,
	}, nil
}

func hostOnly(site string) string {
	u, err := url.Parse(site)
	if err != nil {
		return site
	}
	if u.Host != "" {
		return u.Host
	}
	return site
}
