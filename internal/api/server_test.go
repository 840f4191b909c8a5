package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/audit"
	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/storage"
	"postflow/internal/worker"
)

type fixedPool worker.Stats

func (f fixedPool) Stats() worker.Stats { return worker.Stats(f) }

type fixture struct {
	repo     *queue.SQLiteRepo
	activity *audit.ActivityLog
	h        http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	require.NoError(t, audit.EnsureSchema(db))

	f := &fixture{repo: queue.NewSQLiteRepo(db), activity: audit.NewActivityLog(db)}
	f.h = NewServer(Deps{
		Tasks:    f.repo,
		Activity: f.activity,
		Pool:     fixedPool{Ticks: 7, Dispatched: 3, InFlight: 1},
		Log:      zerolog.Nop(),
	})
	return f
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i, p := range []domain.Platform{domain.PlatformYouTube, domain.PlatformYouTube, domain.PlatformTikTok} {
		_, err := f.repo.Enqueue(ctx, queue.NewTask{
			OwnerID: "u1", ContentRef: "cnt_x", Platform: p, ScheduledFor: time.Now().Add(time.Duration(i+1) * time.Hour),
		})
		require.NoError(t, err)
	}
	_, err := f.repo.Enqueue(ctx, queue.NewTask{OwnerID: "u2", ContentRef: "cnt_y", Platform: domain.PlatformInstagram, ScheduledFor: time.Now()})
	require.NoError(t, err)
	require.NoError(t, f.activity.Record(ctx, audit.Event{OwnerID: "u1", Kind: audit.KindQueueGenerated, Message: "Queued 3 item(s)"}))
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `postflow_tasks{status="pending"} 4`)
	assert.Contains(t, body, `postflow_tasks{status="posted"} 0`)
	assert.Contains(t, body, "postflow_ticks_total 7")
	assert.Contains(t, body, "postflow_dispatch_in_flight 1")
}

func TestOwnerQueueFilters(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rec := f.get(t, "/api/owners/u1/queue")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []taskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 3)

	rec = f.get(t, "/api/owners/u1/queue?platform=youtube&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var yt []taskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &yt))
	require.Len(t, yt, 1)
	assert.Equal(t, "youtube", yt[0].Platform)
	assert.Equal(t, "pending", yt[0].Status)

	rec = f.get(t, "/api/owners/u1/queue?status=posted")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestOwnerQueueRejectsBadParams(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{
		"/api/owners/u1/queue?platform=myspace",
		"/api/owners/u1/queue?status=done",
		"/api/owners/u1/queue?limit=0",
		"/api/owners/u1/activity?limit=abc",
	} {
		assert.Equal(t, http.StatusBadRequest, f.get(t, path).Code, path)
	}
}

func TestOwnerStats(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	rec := f.get(t, "/api/owners/u1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Owner    string         `json:"owner"`
		Tasks    map[string]int `json:"tasks"`
		Activity map[string]int `json:"activity_24h"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "u1", resp.Owner)
	assert.Equal(t, 3, resp.Tasks["pending"])
	assert.Equal(t, 1, resp.Activity["queue_generated"])
}

func TestOwnerActivity(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/api/owners/u1/activity")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	f.seed(t)
	rec = f.get(t, "/api/owners/u1/activity?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []audit.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, audit.KindQueueGenerated, events[0].Kind)
}

func TestNoMutationRoutes(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/owners/u1/queue", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
