package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/elonfeng/storepulse/pkg/analyzer"
)

// Event names the themes job transition a notification reports.
type Event string

const (
	EventThemesDone   Event = "themes.done"
	EventThemesFailed Event = "themes.failed"
)

// Highlight is one axis surfaced in a notification.
type Highlight struct {
	Label    string `json:"label"`
	Polarity string `json:"polarity"`
	Count    int    `json:"count"`
}

// Notification is the data sent to alert destinations.
type Notification struct {
	Event        Event       `json:"event"`
	Title        string      `json:"title"`
	Body         string      `json:"body"`
	GroupKey     string      `json:"group_key"`
	JobID        string      `json:"job_id"`
	Day          string      `json:"day"`
	TotalReviews int         `json:"total_reviews"`
	Highlights   []Highlight `json:"highlights,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// ThemesDone builds the notification for a finished themes job.
func ThemesDone(group, jobID, day string, total int, res *analyzer.Result) *Notification {
	n := &Notification{
		Event:        EventThemesDone,
		Title:        "Themes ready for " + group,
		Body:         fmt.Sprintf("%d reviews analyzed on %s.", total, day),
		GroupKey:     group,
		JobID:        jobID,
		Day:          day,
		TotalReviews: total,
	}
	if res != nil {
		for _, a := range res.TopNegativeAxes {
			n.Highlights = append(n.Highlights, Highlight{Label: a.AxisLabel, Polarity: "negative", Count: a.Count})
		}
		for _, a := range res.TopPositiveAxes {
			n.Highlights = append(n.Highlights, Highlight{Label: a.AxisLabel, Polarity: "positive", Count: a.Count})
		}
	}
	return n
}

// ThemesFailed builds the notification for a themes job whose analysis failed.
func ThemesFailed(group, jobID, day, reason string) *Notification {
	return &Notification{
		Event:    EventThemesFailed,
		Title:    "Themes failed for " + group,
		Body:     reason,
		GroupKey: group,
		JobID:    jobID,
		Day:      day,
		Error:    reason,
	}
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func icon(e Event) string {
	if e == EventThemesFailed {
		return "⚠️"
	}
	return "📊"
}

func polarityMark(p string) string {
	if strings.EqualFold(p, "negative") {
		return "👎"
	}
	return "👍"
}
