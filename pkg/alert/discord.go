package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     newClient(),
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var lines []string
	for _, h := range n.Highlights {
		lines = append(lines, fmt.Sprintf("%s %s (%d)", polarityMark(h.Polarity), h.Label, h.Count))
	}

	color := 0x2E86DE
	if n.Event == EventThemesFailed {
		color = 0xE74C3C
	}
	embed := map[string]any{
		"title":       fmt.Sprintf("%s %s", icon(n.Event), n.Title),
		"description": fmt.Sprintf("**Job:** %s | **Day:** %s\n\n%s\n\n%s", n.JobID, n.Day, n.Body, strings.Join(lines, "\n")),
		"color":       color,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	payload := map[string]any{
		"embeds": []map[string]any{embed},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	return post(ctx, d.client, "discord webhook", d.webhookURL, body, nil)
}
