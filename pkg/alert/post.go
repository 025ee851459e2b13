package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

const sendTimeout = 10 * time.Second

func newClient() *http.Client {
	return &http.Client{Timeout: sendTimeout}
}

// post delivers a JSON body and treats any non-2xx answer as a failure.
// dest prefixes every error, e.g. "discord webhook status 400".
func post(ctx context.Context, client *http.Client, dest, url string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", dest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", dest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s status %d", dest, resp.StatusCode)
	}
	return nil
}
