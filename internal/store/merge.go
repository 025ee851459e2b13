package store

import (
	"container/heap"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// MergedPage is a globally date-descending page across several apps.
type MergedPage struct {
	Items []ReviewRecord `json:"items"`
	Next  string         `json:"next_cursor,omitempty"`
}

type mergeCursor struct {
	PerApp map[string]string `json:"perApp"`
}

// QueryMultiAppMerged merges the newest-first review streams of apps. Each
// app is read at most limit rows past its own cursor position, so memory stays
// bounded by len(apps)*limit. Ties on date are broken by app key, then sort key.
func (s *SQLiteStore) QueryMultiAppMerged(ctx context.Context, apps []string, limit int, cursor string) (MergedPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	positions, err := decodeMergeCursor(cursor)
	if err != nil {
		return MergedPage{}, err
	}

	keys := dedupeSorted(apps)
	streams := make([]*mergeStream, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, app := range keys {
		g.Go(func() error {
			q := RangeQuery{Limit: limit}
			if after, ok := positions[app]; ok {
				q.Cursor = encodeRangeCursor(after)
			}
			page, err := s.QueryRange(gctx, app, q)
			if err != nil {
				return err
			}
			streams[i] = &mergeStream{app: app, items: page.Items, more: page.Next != ""}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return MergedPage{}, fmt.Errorf("merged query: %w", err)
	}

	h := &streamHeap{}
	for _, st := range streams {
		if len(st.items) > 0 {
			*h = append(*h, st)
		}
	}
	heap.Init(h)

	next := make(map[string]string, len(positions))
	for app, sk := range positions {
		next[app] = sk
	}

	out := make([]ReviewRecord, 0, limit)
	for h.Len() > 0 && len(out) < limit {
		st := (*h)[0]
		rec := st.items[st.pos]
		out = append(out, rec)
		next[st.app] = rec.SortKey
		st.pos++
		if st.pos < len(st.items) {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}
	}

	page := MergedPage{Items: out}
	if len(out) == limit && hasRemaining(streams) {
		page.Next = encodeMergeCursor(next)
	}
	return page, nil
}

type mergeStream struct {
	app   string
	items []ReviewRecord
	pos   int
	more  bool
}

func (m *mergeStream) head() ReviewRecord { return m.items[m.pos] }

type streamHeap []*mergeStream

func (h streamHeap) Len() int { return len(h) }

func (h streamHeap) Less(i, j int) bool {
	a, b := h[i].head(), h[j].head()
	if a.ReviewDate != b.ReviewDate {
		return a.ReviewDate > b.ReviewDate
	}
	if h[i].app != h[j].app {
		return h[i].app < h[j].app
	}
	return a.SortKey > b.SortKey
}

func (h streamHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *streamHeap) Push(x any) { *h = append(*h, x.(*mergeStream)) }

func (h *streamHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func hasRemaining(streams []*mergeStream) bool {
	for _, st := range streams {
		if st.pos < len(st.items) || st.more {
			return true
		}
	}
	return false
}

func dedupeSorted(apps []string) []string {
	seen := make(map[string]struct{}, len(apps))
	out := make([]string, 0, len(apps))
	for _, a := range apps {
		if _, ok := seen[a]; ok || a == "" {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func encodeMergeCursor(perApp map[string]string) string {
	b, _ := json.Marshal(mergeCursor{PerApp: perApp})
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeMergeCursor(cursor string) (map[string]string, error) {
	if cursor == "" {
		return map[string]string{}, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c mergeCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.PerApp == nil {
		c.PerApp = map[string]string{}
	}
	return c.PerApp, nil
}
