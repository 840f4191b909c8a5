// Package audit records what the pipeline did, per owner, to any number of
// sinks: the activity table the ops API reads, the log, and NATS.
package audit

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	KindContentDiscovered Kind = "content_discovered"
	KindQueueGenerated    Kind = "queue_generated"
	KindPostSuccess       Kind = "post_success"
	KindPostFailed        Kind = "post_failed"
	KindScheduleCreated   Kind = "schedule_created"
	KindScheduleUpdated   Kind = "schedule_updated"
	KindChannelAdded      Kind = "channel_added"
	KindOAuthConnected    Kind = "oauth_connected"
)

type Event struct {
	ID        string         `json:"id,omitempty"`
	OwnerID   string         `json:"owner_id"`
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Multi records to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(context.Context, Event) error { return nil }
