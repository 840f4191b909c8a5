package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/storage"
)

func newLog(t *testing.T) *ActivityLog {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewActivityLog(db)
}

func TestActivityLogRecent(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()
	base := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(ctx, Event{OwnerID: "u1", Kind: KindContentDiscovered, Message: "found a.mp4", CreatedAt: base}))
	require.NoError(t, l.Record(ctx, Event{OwnerID: "u1", Kind: KindPostSuccess, Message: "posted a.mp4",
		Details: map[string]any{"post_id": "xyz"}, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, l.Record(ctx, Event{OwnerID: "u2", Kind: KindPostFailed, Message: "nope", CreatedAt: base}))

	events, err := l.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, KindPostSuccess, events[0].Kind)
	assert.Equal(t, "xyz", events[0].Details["post_id"])
	assert.Contains(t, events[0].ID, "act_")
	assert.True(t, events[1].CreatedAt.Equal(base))
	assert.Empty(t, events[1].Details)

	events, err = l.Recent(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	counts, err := l.CountByKind(ctx, "u1", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, map[Kind]int{KindPostSuccess: 1}, counts)
}

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return f.err
}

func TestNATSSink(t *testing.T) {
	conn := &fakeConn{}
	sink := NewNATSSink(conn, "postflow.activity")
	require.NoError(t, sink.Record(context.Background(), Event{OwnerID: "u1", Kind: KindQueueGenerated, Message: "queued"}))

	assert.Equal(t, []string{"postflow.activity.queue_generated"}, conn.subjects)
	var got Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, KindQueueGenerated, got.Kind)

	conn.err = errors.New("nats: connection closed")
	assert.Error(t, sink.Record(context.Background(), Event{Kind: KindPostFailed}))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))
	require.NoError(t, sink.Record(context.Background(), Event{OwnerID: "u1", Kind: KindPostFailed, Message: "failed",
		Details: map[string]any{"error_kind": "remote_rejection"}}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "post_failed", line["kind"])
	assert.Equal(t, "remote_rejection", line["error_kind"])
	assert.Equal(t, "failed", line["message"])
}

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Record(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestMultiRecordsEverywhere(t *testing.T) {
	a, b := &recorder{}, &recorder{err: errors.New("b down")}
	c := &recorder{}
	err := Multi{a, b, c, Discard{}}.Record(context.Background(), Event{OwnerID: "u1", Kind: KindPostSuccess})
	assert.ErrorContains(t, err, "b down")
	assert.Len(t, a.events, 1)
	assert.Len(t, c.events, 1, "a failing sink does not stop the others")
	assert.False(t, c.events[0].CreatedAt.IsZero())
}
