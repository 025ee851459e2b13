package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/elonfeng/storepulse/pkg/appkey"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"
)

const (
	itunesBaseURL = "https://itunes.apple.com"
	// The customer reviews feed serves at most ten pages.
	iosMaxPages = 10
)

// IOS scrapes App Store reviews from the customer-reviews Atom feed.
type IOS struct {
	client  *http.Client
	parser  *gofeed.Parser
	limiter *rate.Limiter
	baseURL string
	country string
}

// NewIOS creates an App Store scraper. baseURL may be empty.
func NewIOS(opts Options, baseURL string) *IOS {
	opts = opts.withDefaults()
	if baseURL == "" {
		baseURL = itunesBaseURL
	}
	return &IOS{
		client:  opts.Client,
		parser:  gofeed.NewParser(),
		limiter: opts.limiter(),
		baseURL: strings.TrimRight(baseURL, "/"),
		country: opts.Country,
	}
}

func (s *IOS) Platform() appkey.Platform { return appkey.PlatformIOS }

// Resolve returns the numeric App Store id. Numeric input is returned as is;
// otherwise the iTunes lookup API maps the bundle id to its trackId.
func (s *IOS) Resolve(ctx context.Context, bundleID string) (string, error) {
	if bundleID == "" {
		return "", fmt.Errorf("ios: empty bundle id")
	}
	if _, err := strconv.ParseInt(bundleID, 10, 64); err == nil {
		return bundleID, nil
	}

	endpoint := fmt.Sprintf("%s/lookup?bundleId=%s&country=%s", s.baseURL, url.QueryEscape(bundleID), url.QueryEscape(s.country))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create itunes lookup request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("itunes lookup %s: %w", bundleID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("itunes lookup %s status %d", bundleID, resp.StatusCode)
	}

	var result struct {
		Results []struct {
			TrackID int64 `json:"trackId"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode itunes lookup %s: %w", bundleID, err)
	}
	if len(result.Results) == 0 || result.Results[0].TrackID == 0 {
		return "", fmt.Errorf("itunes lookup %s: no app found", bundleID)
	}
	return strconv.FormatInt(result.Results[0].TrackID, 10), nil
}

func (s *IOS) FetchPage(ctx context.Context, storeID, pageToken string) (Page, error) {
	page := 1
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 1 {
			return Page{}, fmt.Errorf("ios: invalid page token %q", pageToken)
		}
		page = n
	}
	if page > iosMaxPages {
		return Page{}, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return Page{}, err
	}

	endpoint := fmt.Sprintf("%s/%s/rss/customerreviews/page=%d/id=%s/sortby=mostrecent/xml",
		s.baseURL, url.PathEscape(s.country), page, url.PathEscape(storeID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, fmt.Errorf("create ios feed request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch ios feed %s page %d: %w", storeID, page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("ios feed %s page %d status %d", storeID, page, resp.StatusCode)
	}

	feed, err := s.parser.Parse(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("parse ios feed %s page %d: %w", storeID, page, err)
	}

	out := Page{Items: feedReviews(feed)}
	if len(out.Items) > 0 && page < iosMaxPages {
		out.Next = strconv.Itoa(page + 1)
	}
	return out, nil
}

// feedReviews maps feed entries to reviews. Entries without an im:rating
// element describe the app itself and are skipped.
func feedReviews(feed *gofeed.Feed) []RawReview {
	var items []RawReview
	for _, entry := range feed.Items {
		ratingStr := imValue(entry, "rating")
		if ratingStr == "" {
			continue
		}
		date := entry.UpdatedParsed
		if date == nil {
			date = entry.PublishedParsed
		}
		if date == nil {
			continue
		}

		item := RawReview{
			Date:     date.UTC(),
			Text:     strings.TrimSpace(entryText(entry)),
			Version:  imValue(entry, "version"),
			NativeID: entry.GUID,
		}
		if entry.Author != nil {
			item.Author = entry.Author.Name
		}
		if v, err := strconv.Atoi(ratingStr); err == nil {
			item.Rating = &v
		}
		items = append(items, item)
	}
	return items
}

func entryText(entry *gofeed.Item) string {
	if entry.Content != "" {
		return entry.Content
	}
	return entry.Description
}

func imValue(entry *gofeed.Item, name string) string {
	ext, ok := entry.Extensions["im"]
	if !ok {
		return ""
	}
	values := ext[name]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0].Value)
}

var (
	_ Scraper = (*IOS)(nil)
	_ Scraper = (*Android)(nil)
)
