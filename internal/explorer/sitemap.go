// internal/explorer/sitemap.go
package explorer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/beevik/etree"
	"go.uber.org/zap"
)

// Fetcher is the narrow HTTP surface sitemap seeding needs.
type Fetcher interface {
	Get(ctx context.Context, url string) (body []byte, status int, err error)
}

const (
	maxSitemapBytes   = 2 << 20
	maxNestedSitemaps = 3
)

// HTTPFetcher adapts a plain *http.Client to the Fetcher interface.
type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Get(ctx context.Context, rawURL string) ([]byte, int, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// sitemapSeeds fetches /sitemap.xml under the seed's origin and returns up
// to limit in-scope page URLs. Sitemap indexes are followed one level deep.
// Everything here is best effort: a missing or malformed sitemap just means
// no extra seeds.
func sitemapSeeds(ctx context.Context, fetcher Fetcher, scope *Scope, seedURL string, limit int, log *zap.Logger) []string {
	u, err := url.Parse(seedURL)
	if err != nil {
		return nil
	}
	root := fmt.Sprintf("%s://%s/sitemap.xml", u.Scheme, u.Host)

	locs, nested := readSitemap(ctx, fetcher, root, log)
	for i, sm := range nested {
		if i >= maxNestedSitemaps || len(locs) >= limit {
			break
		}
		if parsed, err := url.Parse(sm); err != nil || !scope.Allows(parsed) {
			continue
		}
		more, _ := readSitemap(ctx, fetcher, sm, log)
		locs = append(locs, more...)
	}

	seeds := make([]string, 0, len(locs))
	for _, loc := range locs {
		if len(seeds) >= limit {
			break
		}
		parsed, err := url.Parse(loc)
		if err != nil || !parsed.IsAbs() || !scope.Allows(parsed) {
			continue
		}
		seeds = append(seeds, loc)
	}
	if len(seeds) > 0 {
		log.Info("Seeded frontier from sitemap", zap.String("sitemap", root), zap.Int("urls", len(seeds)))
	}
	return seeds
}

// readSitemap returns the page locations of a urlset, or, for a sitemap
// index, the nested sitemap locations in the second slice.
func readSitemap(ctx context.Context, fetcher Fetcher, sitemapURL string, log *zap.Logger) (pages, nested []string) {
	body, status, err := fetcher.Get(ctx, sitemapURL)
	if err != nil || status != http.StatusOK {
		log.Debug("Sitemap not available", zap.String("url", sitemapURL), zap.Int("status", status), zap.Error(err))
		return nil, nil
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		log.Debug("Sitemap not parseable", zap.String("url", sitemapURL), zap.Error(err))
		return nil, nil
	}
	root := doc.Root()
	if root == nil {
		return nil, nil
	}

	switch root.Tag {
	case "urlset":
		for _, el := range doc.FindElements("//url/loc") {
			if loc := el.Text(); loc != "" {
				pages = append(pages, loc)
			}
		}
	case "sitemapindex":
		for _, el := range doc.FindElements("//sitemap/loc") {
			if loc := el.Text(); loc != "" {
				nested = append(nested, loc)
			}
		}
	}
	return pages, nested
}
