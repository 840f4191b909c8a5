package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"postflow/internal/audit"
	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/schedule"
)

type FolderLister interface {
	ListFolders(ctx context.Context, ownerID string) ([]domain.WatchFolder, error)
}

type ContentRegistry interface {
	KnownExternalIDs(ctx context.Context, ownerID, folderRef string) (map[string]bool, error)
	Register(ctx context.Context, ownerID, folderRef string, fd domain.FileDescriptor) (domain.ContentItem, bool, error)
}

type Lister interface {
	List(ctx context.Context, ownerID, folderRef string) ([]domain.FileDescriptor, error)
}

type TaskQueue interface {
	Enqueue(ctx context.Context, t queue.NewTask) (domain.QueueTask, error)
	LatestScheduled(ctx context.Context, ownerID string, platform domain.Platform, accountRef *string) (*time.Time, error)
	FindSchedule(ctx context.Context, ownerID string, platform domain.Platform, accountRef *string) (domain.RecurringSchedule, error)
}

type ScanResult struct {
	Folders    int
	Discovered int
	Queued     int
	Errors     int
}

// Service is the content-discovery driver. It runs on its own cron entry,
// independent of the due-post poller.
type Service struct {
	folders  FolderLister
	registry ContentRegistry
	source   Lister
	queue    TaskQueue
	sink     audit.Sink
	log      zerolog.Logger
	interval time.Duration
	loc      *time.Location
	now      func() time.Time
}

func NewService(folders FolderLister, registry ContentRegistry, source Lister, q TaskQueue, sink audit.Sink,
	log zerolog.Logger, scanInterval time.Duration, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		folders:  folders,
		registry: registry,
		source:   source,
		queue:    q,
		sink:     sink,
		log:      log.With().Str("component", "scanner").Logger(),
		interval: scanInterval,
		loc:      loc,
		now:      time.Now,
	}
}

// Start scans once, then every interval until ctx is done. Overlapping
// scans are skipped rather than queued.
func (s *Service) Start(ctx context.Context) error {
	clog := cronLogger{s.log}
	c := cron.New(cron.WithLogger(clog))
	job := cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(func() {
		if _, err := s.Scan(ctx); err != nil {
			s.log.Error().Err(err).Msg("content scan failed")
		}
	}))
	if _, err := c.AddJob("@every "+s.interval.String(), job); err != nil {
		return fmt.Errorf("schedule content scan: %w", err)
	}

	s.log.Info().Dur("interval", s.interval).Msg("content scanner started")
	first := make(chan struct{})
	go func() {
		defer close(first)
		job.Run()
	}()
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	<-first
	s.log.Info().Msg("content scanner stopped")
	return nil
}

// Scan walks every enabled watch folder once.
func (s *Service) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	folders, err := s.folders.ListFolders(ctx, "")
	if err != nil {
		return res, fmt.Errorf("list watch folders: %w", err)
	}
	for _, f := range folders {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Folders++
		discovered, queued, err := s.scanFolder(ctx, f)
		res.Discovered += discovered
		res.Queued += queued
		if err != nil {
			res.Errors++
			s.log.Error().Err(err).Str("owner_id", f.OwnerID).Str("folder", f.FolderRef).Msg("scan folder")
		}
	}
	s.log.Info().Int("folders", res.Folders).Int("discovered", res.Discovered).Int("queued", res.Queued).Msg("content scan complete")
	return res, nil
}

func (s *Service) scanFolder(ctx context.Context, f domain.WatchFolder) (discovered, queued int, err error) {
	files, err := s.source.List(ctx, f.OwnerID, f.FolderRef)
	if err != nil {
		return 0, 0, err
	}
	known, err := s.registry.KnownExternalIDs(ctx, f.OwnerID, f.FolderRef)
	if err != nil {
		return 0, 0, err
	}

	var fresh []domain.ContentItem
	for _, fd := range files {
		if known[fd.ID] {
			continue
		}
		item, created, err := s.registry.Register(ctx, f.OwnerID, f.FolderRef, fd)
		if err != nil {
			return len(fresh), 0, err
		}
		if !created {
			continue
		}
		fresh = append(fresh, item)
		s.log.Info().Str("owner_id", f.OwnerID).Str("file", fd.Name).Str("size", humanize.Bytes(uint64(fd.SizeBytes))).Msg("content discovered")
		s.record(ctx, audit.Event{
			OwnerID: f.OwnerID,
			Kind:    audit.KindContentDiscovered,
			Message: fmt.Sprintf("Discovered %s in %s", fd.Name, f.FolderRef),
			Details: map[string]any{"content_id": item.ID, "folder": f.FolderRef, "file": fd.Name, "size_bytes": fd.SizeBytes},
		})
	}
	if len(fresh) == 0 || !f.AutoQueue {
		return len(fresh), 0, nil
	}
	queued, err = s.autoQueue(ctx, f, fresh)
	return len(fresh), queued, err
}

// autoQueue places items on the destination's next free schedule slots,
// after whatever is already queued there.
func (s *Service) autoQueue(ctx context.Context, f domain.WatchFolder, items []domain.ContentItem) (int, error) {
	sched, err := s.queue.FindSchedule(ctx, f.OwnerID, f.Platform, f.AccountRef)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !sched.Enabled) {
		s.log.Debug().Str("owner_id", f.OwnerID).Str("platform", string(f.Platform)).Msg("no enabled schedule, not queueing")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	after := s.now()
	latest, err := s.queue.LatestScheduled(ctx, f.OwnerID, f.Platform, f.AccountRef)
	if err != nil {
		return 0, err
	}
	if latest != nil && latest.After(after) {
		after = *latest
	}
	slots := schedule.Slots(sched, after.In(s.loc), len(items))
	if len(slots) < len(items) {
		return 0, fmt.Errorf("schedule %s yields no slots", sched.ID)
	}

	var taskIDs []string
	for i, item := range items {
		task, err := s.queue.Enqueue(ctx, queue.NewTask{
			OwnerID:      f.OwnerID,
			ContentRef:   item.ID,
			Platform:     f.Platform,
			AccountRef:   f.AccountRef,
			ScheduledFor: slots[i],
		})
		if err != nil {
			return len(taskIDs), err
		}
		taskIDs = append(taskIDs, task.ID)
		s.log.Info().Str("task_id", task.ID).Str("file", item.Name).Str("when", humanize.Time(slots[i])).Msg("queued")
	}
	s.record(ctx, audit.Event{
		OwnerID: f.OwnerID,
		Kind:    audit.KindQueueGenerated,
		Message: fmt.Sprintf("Queued %d item(s) for %s", len(taskIDs), f.Platform),
		Details: map[string]any{"task_ids": taskIDs, "platform": string(f.Platform), "first_slot": slots[0].UTC().Format(time.RFC3339)},
	})
	return len(taskIDs), nil
}

func (s *Service) record(ctx context.Context, e audit.Event) {
	if err := s.sink.Record(ctx, e); err != nil {
		s.log.Error().Err(err).Str("kind", string(e.Kind)).Msg("audit record failed")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
