package server

import (
	"encoding/base64"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elonfeng/storepulse/internal/ingest"
	"github.com/elonfeng/storepulse/internal/queue"
	"github.com/elonfeng/storepulse/internal/store"
	"github.com/elonfeng/storepulse/internal/themes"
	"github.com/elonfeng/storepulse/pkg/appkey"
	"go.uber.org/zap"
)

// appRef names an app either by key or by platform and bundle id.
type appRef struct {
	AppPK    string `json:"app_pk"`
	Platform string `json:"platform"`
	BundleID string `json:"bundleId"`
	AppName  string `json:"appName"`
}

func queryRef(r *http.Request) appRef {
	q := r.URL.Query()
	return appRef{AppPK: q.Get("app_pk"), Platform: q.Get("platform"), BundleID: q.Get("bundleId")}
}

func (a appRef) identity() (appkey.AppIdentity, error) {
	if a.AppPK != "" {
		id, err := appkey.Parse(strings.TrimSpace(a.AppPK))
		if err != nil {
			return appkey.AppIdentity{}, badRequest("%v", err)
		}
		return id, nil
	}
	if a.Platform == "" || a.BundleID == "" {
		return appkey.AppIdentity{}, badRequest("provide either app_pk or platform and bundleId")
	}
	id, err := appkey.New(a.Platform, a.BundleID)
	if err != nil {
		return appkey.AppIdentity{}, badRequest("%v", err)
	}
	return id, nil
}

// group resolves a comma separated app_pk list, or a single platform and
// bundle id, to its group key.
func (a appRef) group() (string, error) {
	if a.AppPK == "" {
		id, err := a.identity()
		if err != nil {
			return "", err
		}
		return id.Key(), nil
	}
	group := appkey.GroupKey(a.AppPK)
	if _, err := appkey.Members(group); err != nil {
		return "", badRequest("%v", err)
	}
	return group, nil
}

func (a appRef) scheduleKey(kind store.ScheduleKind) (string, error) {
	if kind == store.KindThemes {
		return a.group()
	}
	id, err := a.identity()
	if err != nil {
		return "", err
	}
	return id.Key(), nil
}

func scheduleKind(r *http.Request) (store.ScheduleKind, error) {
	kind, err := store.ParseScheduleKind(r.PathValue("kind"))
	if err != nil {
		return "", badRequest("%v", err)
	}
	return kind, nil
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request, _ string) {
	kind, err := scheduleKind(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		key, err := queryRef(r).scheduleKey(kind)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		sch, err := s.deps.Store.GetSchedule(r.Context(), kind, key)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "schedule": sch})
	case http.MethodPut:
		s.upsertSchedule(w, r, kind)
	default:
		methodNotAllowed(w)
	}
}

type scheduleRequest struct {
	appRef
	IntervalMinutes *int  `json:"interval_minutes"`
	Enabled         *bool `json:"enabled"`
}

// upsertSchedule creates the entry when missing and otherwise applies the
// interval and enabled fields. New ingest entries start at a random point of
// their first interval so bulk registrations spread out; new themes entries
// are due immediately. ?run_now=true also enqueues a themes job right away.
func (s *Server) upsertSchedule(w http.ResponseWriter, r *http.Request, kind store.ScheduleKind) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	key, err := req.scheduleKey(kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.IntervalMinutes != nil && *req.IntervalMinutes <= 0 {
		s.fail(w, r, badRequest("interval_minutes must be positive"))
		return
	}

	interval := s.deps.IngestInterval
	next := s.now().UnixMilli()
	if kind == store.KindThemes {
		interval = s.deps.ThemesInterval
	}
	if req.IntervalMinutes != nil {
		interval = *req.IntervalMinutes
	}
	if kind == store.KindIngest {
		next += rand.Int64N(int64(interval) * time.Minute.Milliseconds())
	}

	ctx := r.Context()
	created, err := s.deps.Store.EnsureSchedule(ctx, kind, key, req.AppName, interval, next)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	upd := store.ScheduleUpdate{Enabled: req.Enabled}
	if !created {
		upd.IntervalMinutes = req.IntervalMinutes
	}
	updated := upd.Enabled != nil || upd.IntervalMinutes != nil
	var sch *store.Schedule
	if updated {
		sch, err = s.deps.Store.UpdateSchedule(ctx, kind, key, upd)
	} else {
		sch, err = s.deps.Store.GetSchedule(ctx, kind, key)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := map[string]any{"ok": true, "schedule": sch, "created": created, "updated": updated && !created}
	if kind == store.KindThemes && r.URL.Query().Get("run_now") == "true" {
		ticket, err := s.deps.Themes.RunNow(ctx, key, req.AppName, themes.Selection{})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp["run_now"] = ticket
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	kind, err := scheduleKind(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit := clampQueryInt(r.URL.Query().Get("limit"), 50, 1, 200)
	after := ""
	if c := r.URL.Query().Get("cursor"); c != "" {
		b, err := base64.RawURLEncoding.DecodeString(c)
		if err != nil {
			s.fail(w, r, badRequest("invalid cursor"))
			return
		}
		after = string(b)
	}

	items, next, err := s.deps.Store.ListSchedules(r.Context(), kind, limit, after)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []store.Schedule{}
	}
	var cursor *string
	if next != "" {
		c := base64.RawURLEncoding.EncodeToString([]byte(next))
		cursor = &c
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items, "next_cursor": cursor})
}

type ingestRequest struct {
	appRef
	BackfillDays *float64 `json:"backfillDays"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	app, err := req.identity()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	backfill := s.deps.BackfillDays
	if req.BackfillDays != nil {
		backfill = ingest.BackfillFromFloat(*req.BackfillDays, s.deps.BackfillDays)
	}
	msg := ingest.NewMessage(app, req.AppName, backfill)
	id, err := s.deps.Queue.SendJSON(r.Context(), queue.Ingest, msg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("ingest.queue.send.ok", zap.String("app", app.Key()), zap.String("message_id", id))
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "queued": msg, "message_id": id})
}

// handleReviews serves one app's reviews in a date range, or the merged
// newest-first feed of several apps.
func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	group, err := queryRef(r).group()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	members, _ := appkey.Members(group)
	limit := clampQueryInt(q.Get("limit"), 50, 1, 500)

	if len(members) == 1 && (q.Get("from") != "" || q.Get("to") != "") {
		rq := store.RangeQuery{Limit: limit, Ascending: q.Get("order") == "asc", Cursor: q.Get("cursor")}
		if rq.From, err = parseQueryTime(q.Get("from"), false); err != nil {
			s.fail(w, r, err)
			return
		}
		if rq.To, err = parseQueryTime(q.Get("to"), true); err != nil {
			s.fail(w, r, err)
			return
		}
		page, err := s.deps.Store.QueryRange(r.Context(), members[0].Key(), rq)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pageResponse(page.Items, page.Next))
		return
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = m.Key()
	}
	page, err := s.deps.Store.QueryMultiAppMerged(r.Context(), keys, limit, q.Get("cursor"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse(page.Items, page.Next))
}

func pageResponse(items []store.ReviewRecord, next string) map[string]any {
	if items == nil {
		items = []store.ReviewRecord{}
	}
	var cursor *string
	if next != "" {
		cursor = &next
	}
	return map[string]any{"ok": true, "items": items, "count": len(items), "next_cursor": cursor}
}

type themesRequest struct {
	appRef
	From  string `json:"from"`
	To    string `json:"to"`
	Limit *int   `json:"limit"`
}

func (s *Server) handleThemesEnqueue(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req themesRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	group, err := req.group()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit := 0
	if req.Limit != nil {
		limit = max(1, *req.Limit)
	}
	sel, err := themes.ParseSelection(req.From, req.To, limit)
	if err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	ticket, err := s.deps.Themes.Enqueue(r.Context(), group, sel, themes.Day(s.now()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":         true,
		"app_pk":     ticket.GroupKey,
		"job_id":     ticket.JobID,
		"day":        ticket.Day,
		"selection":  sel,
		"message_id": ticket.MessageID,
	})
}

// handleThemesResult returns one job when job_id and day are given and the
// latest job of the group otherwise.
func (s *Server) handleThemesResult(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	group, err := queryRef(r).group()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jobID, day := r.URL.Query().Get("job_id"), r.URL.Query().Get("day")
	var st *themes.Status
	switch {
	case jobID != "" && day != "":
		st, err = s.deps.Results.Job(r.Context(), group, jobID, day)
	case jobID != "" || day != "":
		err = badRequest("job_id and day go together")
	default:
		st, err = s.deps.Results.Latest(r.Context(), group)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleFollows(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		var req appRef
		if err := decodeBody(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		app, err := req.identity()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		res, err := s.deps.Follows.Follow(r.Context(), userID, app, req.AppName)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{"ok": true, "follow": res})
	case http.MethodDelete:
		app, err := queryRef(r).identity()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.deps.Follows.Unfollow(r.Context(), userID, app); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "app_pk": app.Key()})
	case http.MethodGet:
		s.handleBadges(w, r, userID)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleBadges(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	badges, err := s.deps.Follows.Badges(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": badges, "count": len(badges)})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req appRef
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	app, err := req.identity()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Follows.MarkRead(r.Context(), userID, app); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "app_pk": app.Key()})
}

type mergeRequest struct {
	AppPKs  []string `json:"app_pks"`
	AppName string   `json:"appName"`
}

// handleMerge starts themes analysis on a pair of apps treated as one group.
func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req mergeRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.AppPKs) != 2 {
		s.fail(w, r, badRequest("app_pks must contain exactly 2 entries"))
		return
	}
	keys := make([]string, len(req.AppPKs))
	for i, raw := range req.AppPKs {
		app, err := appkey.Parse(raw)
		if err != nil {
			s.fail(w, r, badRequest("%v", err))
			return
		}
		keys[i] = app.Key()
	}
	a, b := keys[0], keys[1]
	if a == b {
		s.fail(w, r, badRequest("app_pks must be different"))
		return
	}

	group := appkey.GroupKey(a, b)
	ticket, err := s.deps.Themes.RunNow(r.Context(), group, req.AppName, themes.Selection{})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":      true,
		"app_pk":  group,
		"run_now": map[string]string{"job_id": ticket.JobID, "day": ticket.Day},
	})
}

func clampQueryInt(raw string, def, lo, hi int) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return min(max(n, lo), hi)
}

// parseQueryTime accepts RFC 3339 or a plain day. A plain day used as an
// upper bound covers the whole day.
func parseQueryTime(raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(themes.DayLayout, raw)
	if err != nil {
		return time.Time{}, badRequest("invalid date %q", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}
