// Package themes schedules, runs and reports LLM theme analyses over the
// reviews of an app group.
package themes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/elonfeng/storepulse/internal/store"
)

// DayLayout is the UTC calendar day a job belongs to.
const DayLayout = "2006-01-02"

// Selection limits.
const (
	DefaultRangeDays = 90
	PerAppRangeCap   = 1200
	MaxLimit         = 2000
)

// Day returns t's UTC day.
func Day(t time.Time) string { return t.UTC().Format(DayLayout) }

// Selection picks the reviews a job analyzes: either a date range or the
// newest Limit reviews across the group. The zero value is the default range.
type Selection struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ParseSelection validates user input. Dates may be YYYY-MM-DD or RFC 3339
// and are normalized to the stored date layout. A limit only applies when no
// date is given and is clamped to [1, MaxLimit].
func ParseSelection(from, to string, limit int) (Selection, error) {
	var sel Selection
	if from != "" {
		t, err := parseDate(from)
		if err != nil {
			return Selection{}, fmt.Errorf("invalid from: %w", err)
		}
		sel.From = store.FormatDate(t)
	}
	if to != "" {
		t, err := parseDate(to)
		if err != nil {
			return Selection{}, fmt.Errorf("invalid to: %w", err)
		}
		sel.To = store.FormatDate(t)
	}
	if sel.From != "" && sel.To != "" && sel.From > sel.To {
		return Selection{}, fmt.Errorf("from %s is after to %s", sel.From, sel.To)
	}
	if limit != 0 && sel.From == "" && sel.To == "" {
		sel.Limit = clampLimit(limit)
	}
	return sel, nil
}

// IsRange reports whether the selection is date based.
func (s Selection) IsRange() bool {
	return s.From != "" || s.To != "" || s.Limit <= 0
}

// Canonical is the stable text form hashed into job ids.
func (s Selection) Canonical() string {
	if s.From == "" && s.To == "" && s.Limit > 0 {
		return "limit=" + strconv.Itoa(s.Limit)
	}
	return "from=" + s.From + "|to=" + s.To
}

// Resolve fills in the implicit bounds relative to now. Range selections
// default to the DefaultRangeDays days before To (or now).
func (s Selection) Resolve(now time.Time) (from, to time.Time, limit int) {
	if !s.IsRange() {
		return time.Time{}, time.Time{}, clampLimit(s.Limit)
	}
	to = now.UTC()
	if s.To != "" {
		if t, err := parseDate(s.To); err == nil {
			to = t
		}
	}
	from = to.AddDate(0, 0, -DefaultRangeDays)
	if s.From != "" {
		if t, err := parseDate(s.From); err == nil {
			from = t
		}
	}
	return from, to, 0
}

// JobID derives the deterministic job identity of (group, selection, day).
func JobID(group string, sel Selection, day string) string {
	sum := sha256.Sum256([]byte(group + "|" + sel.Canonical() + "|" + day))
	return "job_" + hex.EncodeToString(sum[:])[:16]
}

// Message is the themes queue payload.
type Message struct {
	AppPK string `json:"app_pk"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Limit int    `json:"limit,omitempty"`
	JobID string `json:"job_id"`
	Day   string `json:"day"`
}

// Selection returns the selection carried by m.
func (m Message) Selection() Selection {
	return Selection{From: m.From, To: m.To, Limit: m.Limit}
}

func clampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{store.DateLayout, time.RFC3339Nano, DayLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
