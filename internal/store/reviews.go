package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// DateLayout is fixed-width so lexical order of stored dates equals time order.
const DateLayout = "2006-01-02T15:04:05.000Z"

// ErrInvalidCursor is returned when a continuation cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// ReviewRecord is one stored review. Rows are never updated or deleted.
type ReviewRecord struct {
	AppPK      string `db:"app_pk" json:"app_pk"`
	SortKey    string `db:"sort_key" json:"sort_key"`
	ReviewDate string `db:"review_date" json:"date"`
	Rating     *int   `db:"rating" json:"rating"`
	Text       string `db:"text" json:"text"`
	Author     string `db:"author" json:"author"`
	AppVersion string `db:"app_version" json:"app_version,omitempty"`
	AppName    string `db:"app_name" json:"app_name,omitempty"`
	NativeID   string `db:"native_id" json:"native_id,omitempty"`
	IngestedAt int64  `db:"ingested_at" json:"ingested_at"`
}

// Date parses ReviewDate.
func (r ReviewRecord) Date() (time.Time, error) {
	return time.Parse(DateLayout, r.ReviewDate)
}

// FormatDate renders t in DateLayout (UTC).
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ContentHash identifies a review body independently of any store-native id.
func ContentHash(text, author string) string {
	sum := sha256.Sum256([]byte(text + "\x1f" + author))
	return hex.EncodeToString(sum[:])[:16]
}

// SortKey is "<date>#<content hash>". Re-ingesting the same date, text and
// author always yields the same key.
func SortKey(date time.Time, text, author string) string {
	return FormatDate(date) + "#" + ContentHash(text, author)
}

// LatestReview returns the newest review for app, or nil when there is none.
func (s *SQLiteStore) LatestReview(ctx context.Context, app string) (*ReviewRecord, error) {
	var rec ReviewRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT * FROM reviews WHERE app_pk = ? ORDER BY sort_key DESC LIMIT 1", app)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest review %s: %w", app, err)
	}
	return &rec, nil
}

// InsertReviewIfAbsent writes rec unless a row with the same (app, sort key)
// exists. A duplicate reports inserted=false with a nil error.
func (s *SQLiteStore) InsertReviewIfAbsent(ctx context.Context, rec *ReviewRecord) (bool, error) {
	if rec.AppPK == "" || rec.ReviewDate == "" {
		return false, fmt.Errorf("insert review: app and date are required")
	}
	if rec.SortKey == "" {
		date, err := rec.Date()
		if err != nil {
			return false, fmt.Errorf("insert review: %w", err)
		}
		rec.SortKey = SortKey(date, rec.Text, rec.Author)
	}
	if rec.IngestedAt == 0 {
		rec.IngestedAt = s.nowMillis()
	}

	query, args, err := builder.Insert("reviews").
		Columns("app_pk", "sort_key", "review_date", "rating", "text", "author",
			"app_version", "app_name", "native_id", "ingested_at").
		Values(rec.AppPK, rec.SortKey, rec.ReviewDate, rec.Rating, rec.Text, rec.Author,
			rec.AppVersion, rec.AppName, rec.NativeID, rec.IngestedAt).
		Suffix("ON CONFLICT (app_pk, sort_key) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert review: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert review %s %s: %w", rec.AppPK, rec.SortKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert review rows affected: %w", err)
	}
	return n == 1, nil
}

// RangeQuery selects reviews of one app. Zero From/To are unbounded.
type RangeQuery struct {
	From      time.Time
	To        time.Time
	Limit     int
	Ascending bool
	Cursor    string
}

// ReviewPage is one page of a range query. Next is empty on the last page.
type ReviewPage struct {
	Items []ReviewRecord `json:"items"`
	Next  string         `json:"next_cursor,omitempty"`
}

const (
	defaultPageSize = 100
	maxPageSize     = 2000
)

// QueryRange pages through one app's reviews in sort key order.
func (s *SQLiteStore) QueryRange(ctx context.Context, app string, q RangeQuery) (ReviewPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	sel := builder.Select("*").From("reviews").Where(sq.Eq{"app_pk": app})
	if !q.From.IsZero() {
		sel = sel.Where(sq.GtOrEq{"review_date": FormatDate(q.From)})
	}
	if !q.To.IsZero() {
		sel = sel.Where(sq.LtOrEq{"review_date": FormatDate(q.To)})
	}
	if q.Cursor != "" {
		after, err := decodeRangeCursor(q.Cursor)
		if err != nil {
			return ReviewPage{}, err
		}
		if q.Ascending {
			sel = sel.Where(sq.Gt{"sort_key": after})
		} else {
			sel = sel.Where(sq.Lt{"sort_key": after})
		}
	}
	if q.Ascending {
		sel = sel.OrderBy("sort_key ASC")
	} else {
		sel = sel.OrderBy("sort_key DESC")
	}
	sel = sel.Limit(uint64(limit + 1))

	query, args, err := sel.ToSql()
	if err != nil {
		return ReviewPage{}, fmt.Errorf("build range query: %w", err)
	}

	var items []ReviewRecord
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return ReviewPage{}, fmt.Errorf("query range %s: %w", app, err)
	}

	page := ReviewPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.Next = encodeRangeCursor(page.Items[limit-1].SortKey)
	}
	return page, nil
}

// QueryLatestN returns the n newest reviews of app.
func (s *SQLiteStore) QueryLatestN(ctx context.Context, app string, n int) ([]ReviewRecord, error) {
	page, err := s.QueryRange(ctx, app, RangeQuery{Limit: n})
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// CountReviews counts every stored review of app.
func (s *SQLiteStore) CountReviews(ctx context.Context, app string) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM reviews WHERE app_pk = ?", app); err != nil {
		return 0, fmt.Errorf("count reviews %s: %w", app, err)
	}
	return n, nil
}

func encodeRangeCursor(sortKey string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sortKey))
}

func decodeRangeCursor(cursor string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(b) == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return string(b), nil
}
