package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elonfeng/storepulse/pkg/appkey"
	"golang.org/x/time/rate"
)

const (
	playBaseURL     = "https://play.google.com"
	playReviewsRPC  = "UsvDTd"
	playSortNewest  = 2
	defaultPlayPage = 100
)

// Android scrapes Google Play reviews through the Play Store web RPC.
type Android struct {
	client   *http.Client
	limiter  *rate.Limiter
	baseURL  string
	country  string
	lang     string
	pageSize int
}

// NewAndroid creates a Google Play scraper. baseURL may be empty.
func NewAndroid(opts Options, baseURL string) *Android {
	opts = opts.withDefaults()
	if baseURL == "" {
		baseURL = playBaseURL
	}
	return &Android{
		client:   opts.Client,
		limiter:  opts.limiter(),
		baseURL:  strings.TrimRight(baseURL, "/"),
		country:  opts.Country,
		lang:     opts.Lang,
		pageSize: defaultPlayPage,
	}
}

func (a *Android) Platform() appkey.Platform { return appkey.PlatformAndroid }

// Resolve is the identity: Play package names are the store id.
func (a *Android) Resolve(_ context.Context, bundleID string) (string, error) {
	if bundleID == "" {
		return "", fmt.Errorf("android: empty package name")
	}
	return bundleID, nil
}

func (a *Android) FetchPage(ctx context.Context, storeID, pageToken string) (Page, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return Page{}, err
	}

	token := "null"
	if pageToken != "" {
		b, _ := json.Marshal(pageToken)
		token = string(b)
	}
	appID, _ := json.Marshal(storeID)
	inner := fmt.Sprintf("[null,null,[2,%d,[%d,null,%s],null,[]],[%s,7]]", playSortNewest, a.pageSize, token, appID)
	innerJSON, _ := json.Marshal(inner)
	freq := fmt.Sprintf(`[[["%s",%s,null,"generic"]]]`, playReviewsRPC, innerJSON)

	endpoint := fmt.Sprintf("%s/_/PlayStoreUi/data/batchexecute?rpcids=%s&hl=%s&gl=%s",
		a.baseURL, playReviewsRPC, url.QueryEscape(a.lang), url.QueryEscape(a.country))
	form := url.Values{"f.req": {freq}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Page{}, fmt.Errorf("create play request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch play reviews %s: %w", storeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("play reviews %s status %d", storeID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("read play reviews %s: %w", storeID, err)
	}
	return parsePlayReviews(body)
}

// parsePlayReviews decodes a batchexecute envelope. The payload is a JSON
// string nested inside the envelope; reviews are payload[0] and the
// continuation token is payload[1][1].
func parsePlayReviews(body []byte) (Page, error) {
	envelope, err := stripXSSIPrefix(body)
	if err != nil {
		return Page{}, err
	}

	var outer [][]any
	if err := json.Unmarshal(envelope, &outer); err != nil {
		return Page{}, fmt.Errorf("decode play envelope: %w", err)
	}
	if len(outer) == 0 || len(outer[0]) < 3 {
		return Page{}, fmt.Errorf("play envelope: unexpected shape")
	}
	raw, ok := outer[0][2].(string)
	if !ok {
		// A null payload means the app has no reviews.
		return Page{}, nil
	}

	var payload []any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Page{}, fmt.Errorf("decode play payload: %w", err)
	}

	var page Page
	for _, r := range asSlice(at(payload, 0)) {
		row := asSlice(r)
		if row == nil {
			continue
		}
		secs, ok := at(asSlice(at(row, 5)), 0).(float64)
		if !ok {
			continue
		}
		item := RawReview{
			Date:     time.Unix(int64(secs), 0).UTC(),
			NativeID: asString(at(row, 0)),
			Author:   asString(at(asSlice(at(row, 1)), 0)),
			Text:     asString(at(row, 4)),
			Version:  asString(at(row, 10)),
		}
		if score, ok := at(row, 2).(float64); ok {
			v := int(score)
			item.Rating = &v
		}
		page.Items = append(page.Items, item)
	}
	page.Next = asString(at(asSlice(at(payload, 1)), 1))
	return page, nil
}

func stripXSSIPrefix(body []byte) ([]byte, error) {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) > 0 && line[0] == '[' {
			return line, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan play response: %w", err)
	}
	return nil, fmt.Errorf("play response: no envelope found")
}

func at(v []any, i int) any {
	if i < 0 || i >= len(v) {
		return nil
	}
	return v[i]
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
