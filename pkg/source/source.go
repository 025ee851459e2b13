package source

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/elonfeng/storepulse/pkg/appkey"
	"golang.org/x/time/rate"
)

// RawReview is a review as returned by a store, before it gets a sort key.
type RawReview struct {
	Date     time.Time
	Rating   *int
	Text     string
	Author   string
	Version  string
	NativeID string
}

// Page is one page of reviews, newest first. Next is empty on the last page.
type Page struct {
	Items []RawReview
	Next  string
}

// Scraper fetches reviews from one store. Scrapers are stateless with
// respect to reviews and never deduplicate.
type Scraper interface {
	Platform() appkey.Platform
	// Resolve maps a bundle id to the identifier the store's review
	// endpoints expect.
	Resolve(ctx context.Context, bundleID string) (string, error)
	// FetchPage returns the page after pageToken; "" is the first page.
	FetchPage(ctx context.Context, storeID, pageToken string) (Page, error)
}

// Options are shared by both store scrapers.
type Options struct {
	Country string
	Lang    string
	// PageInterval is the minimum spacing between page requests.
	PageInterval time.Duration
	Client       *http.Client
}

func (o Options) withDefaults() Options {
	if o.Country == "" {
		o.Country = "fr"
	}
	if o.Lang == "" {
		o.Lang = o.Country
	}
	if o.PageInterval <= 0 {
		o.PageInterval = 1500 * time.Millisecond
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return o
}

func (o Options) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(o.PageInterval), 1)
}

// Set indexes scrapers by platform.
type Set map[appkey.Platform]Scraper

// NewSet builds a Set. A later scraper for the same platform wins.
func NewSet(scrapers ...Scraper) Set {
	s := make(Set, len(scrapers))
	for _, sc := range scrapers {
		s[sc.Platform()] = sc
	}
	return s
}

// For returns the scraper of p.
func (s Set) For(p appkey.Platform) (Scraper, error) {
	sc, ok := s[p]
	if !ok {
		return nil, fmt.Errorf("no scraper for platform %q", p)
	}
	return sc, nil
}

const userAgent = "Mozilla/5.0 (compatible; storepulse/1.0)"
