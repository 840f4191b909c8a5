package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"postflow/internal/audit"
	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/worker"
)

type TaskReader interface {
	ListByOwner(ctx context.Context, ownerID string, f queue.ListFilter) ([]domain.QueueTask, error)
	Stats(ctx context.Context, ownerID string) (map[domain.Status]int, error)
	StatusCounts(ctx context.Context) (map[domain.Status]int, error)
}

type ActivityReader interface {
	Recent(ctx context.Context, ownerID string, limit int) ([]audit.Event, error)
	CountByKind(ctx context.Context, ownerID string, since time.Time) (map[audit.Kind]int, error)
}

type PoolStats interface {
	Stats() worker.Stats
}

type Deps struct {
	Tasks    TaskReader
	Activity ActivityReader
	Pool     PoolStats // optional
	Log      zerolog.Logger
	Debug    bool
}

// Server is the read-only operational surface: health, metrics and
// per-owner queue views. Nothing here mutates state.
type Server struct {
	deps Deps
}

func NewServer(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(deps.Log), middleware.Recoverer)

	s := &Server{deps: deps}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Route("/api/owners/{owner}", func(r chi.Router) {
		r.Get("/stats", s.ownerStats)
		r.Get("/queue", s.ownerQueue)
		r.Get("/activity", s.ownerActivity)
	})

	if deps.Debug {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Tasks.StatusCounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "postflow_up 1")
	fmt.Fprintln(w, "# TYPE postflow_tasks gauge")
	for _, st := range domain.AllStatuses {
		fmt.Fprintf(w, "postflow_tasks{status=%q} %d\n", st, counts[st])
	}
	if s.deps.Pool != nil {
		ps := s.deps.Pool.Stats()
		fmt.Fprintf(w, "postflow_dispatch_in_flight %d\n", ps.InFlight)
		fmt.Fprintf(w, "postflow_ticks_total %d\n", ps.Ticks)
		fmt.Fprintf(w, "postflow_ticks_skipped_total %d\n", ps.Skipped)
		fmt.Fprintf(w, "postflow_dispatched_total %d\n", ps.Dispatched)
		fmt.Fprintf(w, "postflow_store_errors_total %d\n", ps.StoreErrors)
		fmt.Fprintf(w, "postflow_stale_recovered_total %d\n", ps.Recovered)
	}
}

type statsResp struct {
	Owner    string                `json:"owner"`
	Tasks    map[domain.Status]int `json:"tasks"`
	Activity map[audit.Kind]int    `json:"activity_24h"`
}

func (s *Server) ownerStats(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	tasks, err := s.deps.Tasks.Stats(r.Context(), owner)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	activity, err := s.deps.Activity.CountByKind(r.Context(), owner, time.Now().Add(-24*time.Hour))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statsResp{Owner: owner, Tasks: tasks, Activity: activity})
}

type taskView struct {
	ID                 string     `json:"id"`
	ContentRef         string     `json:"content_ref"`
	Platform           string     `json:"platform"`
	AccountRef         *string    `json:"account_ref,omitempty"`
	Status             string     `json:"status"`
	ScheduledFor       time.Time  `json:"scheduled_for"`
	Attempts           int        `json:"attempts"`
	LastError          *string    `json:"last_error,omitempty"`
	RemotePostRef      *string    `json:"remote_post_ref,omitempty"`
	RemoteScheduledFor *time.Time `json:"remote_scheduled_for,omitempty"`
	PostedAt           *time.Time `json:"posted_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (s *Server) ownerQueue(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	var f queue.ListFilter
	q := r.URL.Query()
	if v := q.Get("platform"); v != "" {
		p, err := domain.ParsePlatform(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Platform = &p
	}
	if v := q.Get("status"); v != "" {
		st, err := domain.ParseStatus(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Status = &st
	}
	limit, err := parseLimit(q.Get("limit"), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.Limit = limit

	tasks, err := s.deps.Tasks.ListByOwner(r.Context(), owner, f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView{
			ID:                 t.ID,
			ContentRef:         t.ContentRef,
			Platform:           string(t.Platform),
			AccountRef:         t.AccountRef,
			Status:             string(t.Status),
			ScheduledFor:       t.ScheduledFor,
			Attempts:           t.Attempts,
			LastError:          t.LastError,
			RemotePostRef:      t.RemotePostRef,
			RemoteScheduledFor: t.RemoteScheduledFor,
			PostedAt:           t.PostedAt,
			UpdatedAt:          t.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) ownerActivity(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	limit, err := parseLimit(r.URL.Query().Get("limit"), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := s.deps.Activity.Recent(r.Context(), owner, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func parseLimit(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 1000 {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return n, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
