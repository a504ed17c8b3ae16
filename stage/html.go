package stage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jupark12/recipe-ingest/models"
)

// HTMLScraper reads a post's OpenGraph and Twitter card meta tags. It works
// for any public page that renders those tags server side.
type HTMLScraper struct {
	client    *http.Client
	userAgent string
}

func NewHTMLScraper() *HTMLScraper {
	return &HTMLScraper{
		client:    defaultHTTPClient,
		userAgent: "recipe-ingest/1.0",
	}
}

func (s *HTMLScraper) Scrape(ctx context.Context, sourceURL string) (*models.ScrapedContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrUnsupported, err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %w", ErrMalformedOutput, err)
	}
	return extractMeta(doc, sourceURL), nil
}

func extractMeta(doc *goquery.Document, sourceURL string) *models.ScrapedContent {
	meta := func(keys ...string) string {
		for _, k := range keys {
			sel := fmt.Sprintf(`meta[property=%q], meta[name=%q]`, k, k)
			if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}

	caption := meta("og:description", "twitter:description", "description")
	if caption == "" {
		caption = strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
	}

	var images []string
	doc.Find(`meta[property="og:image"]`).Each(func(_ int, sel *goquery.Selection) {
		if v, ok := sel.Attr("content"); ok && v != "" {
			images = append(images, v)
		}
	})

	platform := DetectPlatform(sourceURL)
	if platform == "" {
		if u, err := url.Parse(sourceURL); err == nil {
			platform = u.Hostname()
		}
	}

	return &models.ScrapedContent{
		URL:          sourceURL,
		MediaURL:     meta("og:video:secure_url", "og:video:url", "og:video"),
		ThumbnailURL: meta("og:image", "twitter:image"),
		Caption:      caption,
		Author:       meta("author", "twitter:creator", "article:author"),
		Platform:     platform,
		ImageURLs:    images,
	}
}

// Router picks a scraper by platform and falls back to a default one.
type Router struct {
	byPlatform map[string]Scraper
	fallback   Scraper
}

func NewRouter(fallback Scraper) *Router {
	return &Router{byPlatform: make(map[string]Scraper), fallback: fallback}
}

// Handle routes URLs of platform to s.
func (r *Router) Handle(platform string, s Scraper) *Router {
	r.byPlatform[platform] = s
	return r
}

func (r *Router) Scrape(ctx context.Context, sourceURL string) (*models.ScrapedContent, error) {
	if s, ok := r.byPlatform[DetectPlatform(sourceURL)]; ok {
		return s.Scrape(ctx, sourceURL)
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("%w: no scraper for %s", ErrUnsupported, sourceURL)
	}
	return r.fallback.Scrape(ctx, sourceURL)
}
