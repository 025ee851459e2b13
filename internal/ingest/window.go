package ingest

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// WindowPolicy bounds the scan window.
type WindowPolicy struct {
	// FirstRunDays is how far back the first ingestion of an app reaches.
	FirstRunDays int
	// DefaultBackfillDays applies when the requested backfill is missing or invalid.
	DefaultBackfillDays int
	// MaxBackfillDays caps the overlap re-scanned before the last known review.
	MaxBackfillDays int
}

// DefaultWindowPolicy is the production policy.
var DefaultWindowPolicy = WindowPolicy{
	FirstRunDays:        150,
	DefaultBackfillDays: 2,
	MaxBackfillDays:     30,
}

// Window is the inclusive [From, To] scan range.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t lies in the inclusive window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

const day = 24 * time.Hour

// ComputeWindow anchors the window to the last stored review. Without one
// it reaches FirstRunDays back. backfillDays is clamped to
// [0, MaxBackfillDays] and From never exceeds now.
func ComputeWindow(now time.Time, lastKnown *time.Time, backfillDays int, p WindowPolicy) Window {
	now = now.UTC()
	if lastKnown == nil {
		return Window{From: now.Add(-time.Duration(p.FirstRunDays) * day), To: now}
	}

	if backfillDays < 0 {
		backfillDays = 0
	}
	if backfillDays > p.MaxBackfillDays {
		backfillDays = p.MaxBackfillDays
	}
	from := lastKnown.UTC().Add(-time.Duration(backfillDays) * day)
	if from.After(now) {
		from = now
	}
	return Window{From: from, To: now}
}

// ParseBackfillDays accepts a JSON number or numeric string. Anything else,
// including absence, yields def. Range clamping is left to ComputeWindow.
func ParseBackfillDays(raw json.RawMessage, def int) int {
	if len(raw) == 0 || string(raw) == "null" {
		return def
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return BackfillFromFloat(n, def)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return BackfillFromFloat(v, def)
		}
	}
	return def
}

// maxBackfillInput bounds a requested backfill before integer conversion.
// ComputeWindow narrows it further to MaxBackfillDays.
const maxBackfillInput = 1 << 16

// BackfillFromFloat converts a decoded number of days to an int. Non-finite
// values yield def; the rest are clamped to [0, maxBackfillInput] first.
func BackfillFromFloat(v float64, def int) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	if v <= 0 {
		return 0
	}
	if v >= maxBackfillInput {
		return maxBackfillInput
	}
	return int(v)
}
