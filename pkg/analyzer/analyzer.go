// Package analyzer turns a batch of reviews into positive and negative theme
// axes using an LLM.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrNoAPIKey is returned when the configured provider has no key.
var ErrNoAPIKey = errors.New("analyzer: api key is not configured")

// Analyzer extracts theme axes from reviews.
type Analyzer interface {
	Analyze(ctx context.Context, req Request, reviews []Review) (*Result, error)
}

// Request carries the analysis parameters. Ratings at or above PosCutoff
// count as positive, at or below NegCutoff as negative.
type Request struct {
	Members   []string
	From      string
	To        string
	Lang      string
	PosCutoff int
	NegCutoff int
	TopN      int
}

func (r Request) withDefaults() Request {
	if r.Lang == "" {
		r.Lang = "fr"
	}
	if r.PosCutoff == 0 {
		r.PosCutoff = 4
	}
	if r.NegCutoff == 0 {
		r.NegCutoff = 3
	}
	if r.TopN == 0 {
		r.TopN = 3
	}
	return r
}

// Review is one input line.
type Review struct {
	Date   string
	Rating *int
	Text   string
}

// Example is a short quote backing an axis.
type Example struct {
	Date   string   `json:"date"`
	Rating *float64 `json:"rating"`
	Text   string   `json:"text"`
}

// TopAxis is an entry of the top positive or negative lists.
type TopAxis struct {
	AxisLabel string    `json:"axis_label"`
	AxisID    string    `json:"axis_id"`
	Count     int       `json:"count"`
	AvgRating *float64  `json:"avg_rating"`
	Examples  []Example `json:"examples"`
}

// Polarity is one side of an axis breakdown.
type Polarity struct {
	Count     int       `json:"count"`
	AvgRating *float64  `json:"avg_rating"`
	Examples  []Example `json:"examples"`
}

// Axis is a full breakdown entry.
type Axis struct {
	AxisLabel    string   `json:"axis_label"`
	AxisID       string   `json:"axis_id"`
	TotalReviews int      `json:"total_reviews"`
	Positive     Polarity `json:"positive"`
	Negative     Polarity `json:"negative"`
}

// Result is the analysis output stored on a finished themes job.
type Result struct {
	TopNegativeAxes []TopAxis `json:"top_negative_axes"`
	TopPositiveAxes []TopAxis `json:"top_positive_axes"`
	Axes            []Axis    `json:"axes"`
}

// Empty returns a result with empty, non-nil lists.
func Empty() *Result {
	return &Result{TopNegativeAxes: []TopAxis{}, TopPositiveAxes: []TopAxis{}, Axes: []Axis{}}
}

const (
	maxExamples   = 3
	maxExampleLen = 240
)

// Model output is loosely typed: numbers may come back as strings or null.
type flexNum struct{ v *float64 }

func (n *flexNum) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		n.v = &f
	}
	return nil
}

func (n flexNum) int() int {
	if n.v == nil {
		return 0
	}
	return int(*n.v)
}

type rawExample struct {
	Date   string  `json:"date"`
	Rating flexNum `json:"rating"`
	Text   string  `json:"text"`
}

type rawPolarity struct {
	Count     flexNum      `json:"count"`
	AvgRating flexNum      `json:"avg_rating"`
	Examples  []rawExample `json:"examples"`
}

type rawTopAxis struct {
	AxisLabel string       `json:"axis_label"`
	Count     flexNum      `json:"count"`
	AvgRating flexNum      `json:"avg_rating"`
	Examples  []rawExample `json:"examples"`
}

type rawAxis struct {
	AxisLabel    string      `json:"axis_label"`
	TotalReviews flexNum     `json:"total_reviews"`
	Positive     rawPolarity `json:"positive"`
	Negative     rawPolarity `json:"negative"`
}

type rawResult struct {
	TopNegativeAxes []rawTopAxis `json:"top_negative_axes"`
	TopPositiveAxes []rawTopAxis `json:"top_positive_axes"`
	Axes            []rawAxis    `json:"axes"`
}

// parseResult decodes a model answer and normalizes it.
func parseResult(content string) (*Result, error) {
	var raw rawResult
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, err
	}
	return normalize(raw), nil
}

func normalize(raw rawResult) *Result {
	out := Empty()
	for _, a := range raw.TopNegativeAxes {
		out.TopNegativeAxes = append(out.TopNegativeAxes, fixTopAxis(a))
	}
	for _, a := range raw.TopPositiveAxes {
		out.TopPositiveAxes = append(out.TopPositiveAxes, fixTopAxis(a))
	}
	for _, a := range raw.Axes {
		label := strings.TrimSpace(a.AxisLabel)
		out.Axes = append(out.Axes, Axis{
			AxisLabel:    label,
			AxisID:       AxisID(label),
			TotalReviews: a.TotalReviews.int(),
			Positive:     fixPolarity(a.Positive),
			Negative:     fixPolarity(a.Negative),
		})
	}
	enforceDisjoint(out)
	return out
}

func fixTopAxis(a rawTopAxis) TopAxis {
	label := strings.TrimSpace(a.AxisLabel)
	return TopAxis{
		AxisLabel: label,
		AxisID:    AxisID(label),
		Count:     a.Count.int(),
		AvgRating: a.AvgRating.v,
		Examples:  dedupeExamples(a.Examples),
	}
}

func fixPolarity(p rawPolarity) Polarity {
	return Polarity{Count: p.Count.int(), AvgRating: p.AvgRating.v, Examples: dedupeExamples(p.Examples)}
}

// enforceDisjoint drops positive axes whose id also appears among the
// negative ones.
func enforceDisjoint(r *Result) {
	neg := make(map[string]struct{}, len(r.TopNegativeAxes))
	for _, a := range r.TopNegativeAxes {
		neg[a.AxisID] = struct{}{}
	}
	pos := r.TopPositiveAxes[:0]
	for _, a := range r.TopPositiveAxes {
		if _, ok := neg[a.AxisID]; !ok {
			pos = append(pos, a)
		}
	}
	r.TopPositiveAxes = pos
}

func dedupeExamples(in []rawExample) []Example {
	out := []Example{}
	seen := make(map[string]struct{})
	for _, ex := range in {
		if ex.Text == "" {
			continue
		}
		rating := ""
		if ex.Rating.v != nil {
			rating = strconv.FormatFloat(*ex.Rating.v, 'f', -1, 64)
		}
		key := ex.Date + "|" + rating + "|" + ex.Text
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		date := ex.Date
		if len(date) > 10 {
			date = date[:10]
		}
		out = append(out, Example{
			Date:   date,
			Rating: ex.Rating.v,
			Text:   truncate(collapseSpaces(ex.Text), maxExampleLen),
		})
		if len(out) >= maxExamples {
			break
		}
	}
	return out
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// AxisID derives a stable identifier from an axis label: lowercased,
// diacritics removed, punctuation dropped and whitespace runs turned into
// underscores.
func AxisID(label string) string {
	s, _, err := transform.String(stripMarks, strings.ToLower(label))
	if err != nil {
		s = strings.ToLower(label)
	}
	var b strings.Builder
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '/', r == '_', r == '-':
		default:
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte('_')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
