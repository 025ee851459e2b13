package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elonfeng/storepulse/internal/follow"
	"github.com/elonfeng/storepulse/internal/store"
	"github.com/elonfeng/storepulse/internal/themes"
	"github.com/elonfeng/storepulse/pkg/appkey"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// UserHeader carries the caller identity. Authentication happens upstream.
const UserHeader = "X-User-ID"

// Store is the storage the API reads and writes directly.
type Store interface {
	GetSchedule(ctx context.Context, kind store.ScheduleKind, key string) (*store.Schedule, error)
	ListSchedules(ctx context.Context, kind store.ScheduleKind, limit int, after string) ([]store.Schedule, string, error)
	EnsureSchedule(ctx context.Context, kind store.ScheduleKind, key, appName string, intervalMinutes int, nextRunAt int64) (bool, error)
	UpdateSchedule(ctx context.Context, kind store.ScheduleKind, key string, upd store.ScheduleUpdate) (*store.Schedule, error)
	QueryRange(ctx context.Context, app string, q store.RangeQuery) (store.ReviewPage, error)
	QueryMultiAppMerged(ctx context.Context, apps []string, limit int, cursor string) (store.MergedPage, error)
}

// Publisher sends a JSON message to a named queue.
type Publisher interface {
	SendJSON(ctx context.Context, queue string, v any) (string, error)
}

// Follows is the follow and badge service.
type Follows interface {
	Follow(ctx context.Context, userID string, app appkey.AppIdentity, appName string) (follow.Result, error)
	Unfollow(ctx context.Context, userID string, app appkey.AppIdentity) error
	Badges(ctx context.Context, userID string) ([]follow.Badge, error)
	MarkRead(ctx context.Context, userID string, app appkey.AppIdentity) error
}

// Themes enqueues themes jobs.
type Themes interface {
	Enqueue(ctx context.Context, group string, sel themes.Selection, day string) (themes.Ticket, error)
	RunNow(ctx context.Context, group, appName string, sel themes.Selection) (themes.Ticket, error)
}

// ThemeResults answers themes status polls.
type ThemeResults interface {
	Job(ctx context.Context, group, jobID, day string) (*themes.Status, error)
	Latest(ctx context.Context, group string) (*themes.Status, error)
}

// Deps groups the services behind the API.
type Deps struct {
	Store   Store
	Queue   Publisher
	Follows Follows
	Themes  Themes
	Results ThemeResults
	Logger  *zap.Logger
	// IngestInterval and ThemesInterval are the defaults, in minutes, for
	// schedules created through the API.
	IngestInterval int
	ThemesInterval int
	BackfillDays   int
}

// Server provides the HTTP API.
type Server struct {
	deps   Deps
	logger *zap.Logger
	port   int
	now    func() time.Time
}

// New creates a new HTTP server.
func New(deps Deps, port int) *Server {
	if port == 0 {
		port = 8080
	}
	if deps.IngestInterval <= 0 {
		deps.IngestInterval = 60
	}
	if deps.ThemesInterval <= 0 {
		deps.ThemesInterval = 1440
	}
	if deps.BackfillDays <= 0 {
		deps.BackfillDays = 2
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{deps: deps, logger: deps.Logger, port: port, now: time.Now}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/schedules/{kind}", s.withUser(s.handleSchedule))
	mux.HandleFunc("/api/v1/schedules/{kind}/list", s.withUser(s.handleListSchedules))
	mux.HandleFunc("/api/v1/ingest", s.withUser(s.handleIngest))
	mux.HandleFunc("/api/v1/reviews", s.withUser(s.handleReviews))
	mux.HandleFunc("/api/v1/themes/enqueue", s.withUser(s.handleThemesEnqueue))
	mux.HandleFunc("/api/v1/themes/result", s.withUser(s.handleThemesResult))
	mux.HandleFunc("/api/v1/follows", s.withUser(s.handleFollows))
	mux.HandleFunc("/api/v1/follows/badges", s.withUser(s.handleBadges))
	mux.HandleFunc("/api/v1/follows/mark-read", s.withUser(s.handleMarkRead))
	mux.HandleFunc("/api/v1/apps/merge", s.withUser(s.handleMerge))
	return mux
}

// ListenAndServe starts the HTTP server and shuts it down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server.shutdown.error", zap.Error(err))
		}
	}()

	s.logger.Info("server.listen", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r, userID)
	}
}

// fail maps service errors to responses. Unexpected errors are logged.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), errBadRequest.Error()+": "))
	case errors.Is(err, store.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, "invalid cursor")
	default:
		s.logger.Error("http.error", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "internal_error",
			"details": err.Error(),
		})
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return badRequest("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
