package ingest

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestComputeWindowFirstRun(t *testing.T) {
	w := ComputeWindow(now, nil, 99, DefaultWindowPolicy)
	assert.Equal(t, now, w.To)
	assert.Equal(t, 150*24*time.Hour, w.To.Sub(w.From))
}

func TestComputeWindowIncremental(t *testing.T) {
	last := now.Add(-5 * 24 * time.Hour)
	w := ComputeWindow(now, &last, 2, DefaultWindowPolicy)
	assert.Equal(t, last.Add(-2*24*time.Hour), w.From)
	assert.Equal(t, now, w.To)
}

func TestComputeWindowClampsBackfill(t *testing.T) {
	last := now.Add(-24 * time.Hour)

	w := ComputeWindow(now, &last, 10_000, DefaultWindowPolicy)
	assert.Equal(t, last.Add(-30*24*time.Hour), w.From)

	w = ComputeWindow(now, &last, -3, DefaultWindowPolicy)
	assert.Equal(t, last, w.From)
}

func TestComputeWindowFutureLastReview(t *testing.T) {
	future := now.Add(72 * time.Hour)
	w := ComputeWindow(now, &future, 1, DefaultWindowPolicy)
	assert.Equal(t, now, w.From)
	assert.False(t, w.From.After(w.To))
}

func TestWindowContainsIsInclusive(t *testing.T) {
	w := Window{From: now.Add(-time.Hour), To: now}
	assert.True(t, w.Contains(now))
	assert.True(t, w.Contains(now.Add(-time.Hour)))
	assert.False(t, w.Contains(now.Add(time.Nanosecond)))
	assert.False(t, w.Contains(now.Add(-2*time.Hour)))
}

func TestParseBackfillDays(t *testing.T) {
	cases := map[string]int{
		``:      2,
		`null`:  2,
		`5`:     5,
		`"7"`:   7,
		`" 3 "`: 3,
		`"abc"`: 2,
		`true`:  2,
		`{}`:    2,
		`1.9`:   1,
		`-4`:    0,
		`1e20`:  maxBackfillInput,
		`"NaN"`: 2,
		`"Inf"`: 2,
	}
	for raw, want := range cases {
		assert.Equal(t, want, ParseBackfillDays(json.RawMessage(raw), 2), raw)
	}
}

func TestHugeBackfillClampsToMax(t *testing.T) {
	last := now.Add(-time.Hour)
	days := ParseBackfillDays(json.RawMessage(`1e20`), 2)
	w := ComputeWindow(now, &last, days, DefaultWindowPolicy)
	assert.Equal(t, last.Add(-30*24*time.Hour), w.From)

	assert.Equal(t, 2, BackfillFromFloat(math.Inf(1), 2))
	assert.Equal(t, 0, BackfillFromFloat(-1e20, 2))
}
