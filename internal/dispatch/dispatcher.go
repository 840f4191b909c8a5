// Package dispatch carries a single due task through acquire, publish and
// result recording.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"postflow/internal/audit"
	"postflow/internal/domain"
	"postflow/internal/publish"
	"postflow/internal/queue"
)

type TaskStore interface {
	Transition(ctx context.Context, id string, to domain.Status, opts queue.TransitionOptions) (domain.QueueTask, error)
}

type ContentRegistry interface {
	Get(ctx context.Context, id string) (domain.ContentItem, error)
}

type ContentSource interface {
	Acquire(ctx context.Context, ownerID, fileID string) (string, error)
	Release(localPath string) error
}

type PublisherLookup interface {
	Lookup(p domain.Platform) (publish.Publisher, error)
}

type Options struct {
	AcquireTimeout time.Duration
	PublishTimeout time.Duration
}

type Dispatcher struct {
	store      TaskStore
	content    ContentRegistry
	source     ContentSource
	publishers PublisherLookup
	audit      audit.Sink
	log        zerolog.Logger
	opts       Options
}

func New(store TaskStore, content ContentRegistry, source ContentSource, publishers PublisherLookup,
	sink audit.Sink, log zerolog.Logger, opts Options) *Dispatcher {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Minute
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 15 * time.Minute
	}
	return &Dispatcher{
		store:      store,
		content:    content,
		source:     source,
		publishers: publishers,
		audit:      sink,
		log:        log.With().Str("component", "dispatch").Logger(),
		opts:       opts,
	}
}

// Dispatch processes task if it is still pending. Every per-task failure
// ends as a Failed task plus an audit event; only queue store errors are
// returned. Once claimed, the result is recorded even if ctx is cancelled
// mid-publish, and a panic marks the task failed.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.QueueTask) (retErr error) {
	if task.Status != domain.StatusPending {
		return nil
	}

	t, err := d.store.Transition(ctx, task.ID, domain.StatusProcessing, queue.TransitionOptions{})
	switch {
	case errors.Is(err, domain.ErrTransitionConflict), errors.Is(err, domain.ErrNotFound):
		d.log.Debug().Str("task_id", task.ID).Msg("task taken by another dispatch")
		return nil
	case err != nil:
		return fmt.Errorf("claim task %s: %w", task.ID, err)
	}

	logger := d.log.With().
		Str("task_id", t.ID).
		Str("owner_id", t.OwnerID).
		Str("platform", string(t.Platform)).
		Int("attempts", t.Attempts).
		Logger()
	logger.Info().Msg("dispatching")

	rctx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("dispatch panicked")
			retErr = d.fail(rctx, t, domain.ContentItem{}, fmt.Errorf("panic: %v", r), logger)
		}
	}()

	item, out, runErr := d.run(ctx, t, logger)
	if runErr == nil && !out.Success {
		runErr = &domain.RemoteRejection{Reason: domain.Deref(out.Error)}
	}
	if runErr != nil {
		return d.fail(rctx, t, item, runErr, logger)
	}
	return d.succeed(rctx, t, item, out, logger)
}

func (d *Dispatcher) run(ctx context.Context, t domain.QueueTask, logger zerolog.Logger) (domain.ContentItem, domain.PublishOutcome, error) {
	item, err := d.content.Get(ctx, t.ContentRef)
	if err != nil {
		return domain.ContentItem{}, domain.PublishOutcome{}, err
	}

	acqCtx, cancel := context.WithTimeout(ctx, d.opts.AcquireTimeout)
	local, err := d.source.Acquire(acqCtx, t.OwnerID, item.ExternalID)
	cancel()
	if err != nil {
		return item, domain.PublishOutcome{}, fmt.Errorf("acquire %s: %w", item.Name, err)
	}
	defer func() {
		if err := d.source.Release(local); err != nil {
			logger.Warn().Err(err).Str("path", local).Msg("release local copy")
		}
	}()

	pub, err := d.publishers.Lookup(t.Platform)
	if err != nil {
		logger.Error().Err(err).Msg("publisher missing")
		return item, domain.PublishOutcome{}, err
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.opts.PublishTimeout)
	defer cancel()
	out, err := pub.Publish(pubCtx, domain.PublishRequest{
		OwnerID:    t.OwnerID,
		AccountRef: t.AccountRef,
		ContentRef: t.ContentRef,
		LocalPath:  local,
		Metadata: domain.PublishMetadata{
			Title:       item.Title,
			Description: item.Description,
			Tags:        item.Tags,
		},
		ScheduledHint: t.PublishAt,
	})
	if err != nil {
		return item, domain.PublishOutcome{}, fmt.Errorf("publish %s: %w", item.Name, err)
	}
	return item, out, nil
}

func (d *Dispatcher) succeed(ctx context.Context, t domain.QueueTask, item domain.ContentItem, out domain.PublishOutcome, logger zerolog.Logger) error {
	to := domain.StatusPosted
	if out.ScheduledFor != nil {
		to = domain.StatusScheduledRemote
	}
	done, err := d.store.Transition(ctx, t.ID, to, queue.TransitionOptions{
		RemotePostRef:      out.PostRef,
		RemoteScheduledFor: out.ScheduledFor,
	})
	if err != nil {
		return d.finishError(t, to, err, logger)
	}

	details := taskDetails(done, item)
	details["post_id"] = domain.Deref(out.PostRef)
	if out.ScheduledFor != nil {
		details["scheduled_for"] = out.ScheduledFor.UTC().Format(time.RFC3339)
	}
	d.record(ctx, audit.Event{
		OwnerID: t.OwnerID,
		Kind:    audit.KindPostSuccess,
		Message: fmt.Sprintf("Posted %s to %s", nameOf(item, t), t.Platform),
		Details: details,
	}, logger)
	logger.Info().Str("status", string(to)).Str("post_ref", domain.Deref(out.PostRef)).Msg("published")
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, t domain.QueueTask, item domain.ContentItem, cause error, logger zerolog.Logger) error {
	msg := cause.Error()
	kind := domain.KindOf(cause)
	done, err := d.store.Transition(ctx, t.ID, domain.StatusFailed, queue.TransitionOptions{Error: &msg})
	if err != nil {
		return d.finishError(t, domain.StatusFailed, err, logger)
	}

	details := taskDetails(done, item)
	details["error"] = msg
	details["error_kind"] = string(kind)
	d.record(ctx, audit.Event{
		OwnerID: t.OwnerID,
		Kind:    audit.KindPostFailed,
		Message: fmt.Sprintf("Failed to post %s to %s: %s", nameOf(item, t), t.Platform, msg),
		Details: details,
	}, logger)

	ev := logger.Warn()
	if kind == domain.KindConfiguration {
		ev = logger.Error()
	}
	ev.Str("error_kind", string(kind)).Str("error", msg).Msg("publish failed")
	return nil
}

// finishError handles a failed final transition. A conflict means the task
// was reconciled out of processing meanwhile, which is not a store failure.
func (d *Dispatcher) finishError(t domain.QueueTask, to domain.Status, err error, logger zerolog.Logger) error {
	if errors.Is(err, domain.ErrTransitionConflict) || errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Err(err).Str("status", string(to)).Msg("task changed before result was recorded")
		return nil
	}
	return fmt.Errorf("record result for %s: %w", t.ID, err)
}

func (d *Dispatcher) record(ctx context.Context, e audit.Event, logger zerolog.Logger) {
	if err := d.audit.Record(ctx, e); err != nil {
		logger.Error().Err(err).Str("kind", string(e.Kind)).Msg("audit record failed")
	}
}

func taskDetails(t domain.QueueTask, item domain.ContentItem) map[string]any {
	details := map[string]any{
		"task_id":     t.ID,
		"content_ref": t.ContentRef,
		"platform":    string(t.Platform),
		"attempts":    t.Attempts,
	}
	if t.AccountRef != nil {
		details["account_ref"] = *t.AccountRef
	}
	if item.Name != "" {
		details["file"] = item.Name
	}
	return details
}

func nameOf(item domain.ContentItem, t domain.QueueTask) string {
	if item.Name != "" {
		return item.Name
	}
	return t.ContentRef
}
