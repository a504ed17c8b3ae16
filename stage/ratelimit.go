package stage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/jupark12/recipe-ingest/models"
)

// RateLimitedScraper wraps a Scraper with one token bucket per host so a
// burst of imports for the same site does not trip upstream limits.
type RateLimitedScraper struct {
	next      Scraper
	perSecond float64
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimitedScraper(next Scraper, perSecond float64, burst int) *RateLimitedScraper {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedScraper{
		next:      next,
		perSecond: perSecond,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (s *RateLimitedScraper) Scrape(ctx context.Context, sourceURL string) (*models.ScrapedContent, error) {
	if err := s.limiter(sourceURL).Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return s.next.Scrape(ctx, sourceURL)
}

func (s *RateLimitedScraper) limiter(sourceURL string) *rate.Limiter {
	key := DetectPlatform(sourceURL)
	if key == "" {
		if u, err := url.Parse(sourceURL); err == nil {
			key = strings.ToLower(u.Hostname())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.perSecond), s.burst)
		s.limiters[key] = l
	}
	return l
}
