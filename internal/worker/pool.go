package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"postflow/internal/audit"
	"postflow/internal/domain"
	"postflow/internal/queue"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, task domain.QueueTask) error
}

type StaleRecoverer interface {
	RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) ([]domain.QueueTask, error)
}

type Stats struct {
	Ticks       int64 `json:"ticks"`
	Skipped     int64 `json:"skipped_ticks"`
	Dispatched  int64 `json:"dispatched"`
	StoreErrors int64 `json:"store_errors"`
	Recovered   int64 `json:"recovered"`
	InFlight    int   `json:"in_flight"`
}

// Pool polls for due tasks on a fixed period and dispatches them with at
// most size dispatches in flight. A tick that is still handing out work
// when the next one fires causes that next tick to be skipped.
type Pool struct {
	sel        *queue.Selector
	disp       Dispatcher
	stale      StaleRecoverer
	sink       audit.Sink
	log        zerolog.Logger
	sem        chan struct{}
	pollEvery  time.Duration
	staleAfter time.Duration
	now        func() time.Time

	fanning atomic.Bool
	wg      sync.WaitGroup

	ticks, skipped, dispatched, storeErrors, recovered atomic.Int64
}

func NewPool(sel *queue.Selector, disp Dispatcher, stale StaleRecoverer, sink audit.Sink, log zerolog.Logger,
	size int, pollEvery, staleAfter time.Duration) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		sel:        sel,
		disp:       disp,
		stale:      stale,
		sink:       sink,
		log:        log.With().Str("component", "worker").Logger(),
		sem:        make(chan struct{}, size),
		pollEvery:  pollEvery,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Run reconciles stale work, then ticks until ctx is done and waits for
// in-flight dispatches to finish.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info().Dur("interval", p.pollEvery).Int("workers", cap(p.sem)).Int("batch", p.sel.Limit()).Msg("poller started")
	p.Reconcile(ctx, p.now())

	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Wait()
			p.log.Info().Msg("poller stopped")
			return
		case <-t.C:
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				if err := p.Tick(ctx, p.now()); err != nil {
					p.log.Error().Err(err).Msg("tick failed")
				}
			}()
		}
	}
}

// Tick runs one poll cycle: reconcile, select, then hand each due task to a
// dispatch goroutine. It returns once every task has been handed out.
func (p *Pool) Tick(ctx context.Context, now time.Time) error {
	if !p.fanning.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		p.log.Debug().Msg("previous tick still dispatching, skipping")
		return nil
	}
	defer p.fanning.Store(false)
	p.ticks.Add(1)

	p.Reconcile(ctx, now)

	tasks, err := p.sel.Due(ctx, now)
	if err != nil {
		p.storeErrors.Add(1)
		return fmt.Errorf("select due tasks: %w", err)
	}
	if len(tasks) > 0 {
		p.log.Info().Int("due", len(tasks)).Msg("dispatching due tasks")
	}

	for _, task := range tasks {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.wg.Add(1)
		go func(tk domain.QueueTask) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			defer func() {
				if r := recover(); r != nil {
					p.log.Error().Str("task_id", tk.ID).Interface("panic", r).Msg("dispatch panicked")
				}
			}()
			p.dispatched.Add(1)
			if err := p.disp.Dispatch(ctx, tk); err != nil {
				p.storeErrors.Add(1)
				p.log.Error().Err(err).Str("task_id", tk.ID).Msg("dispatch failed")
			}
		}(task)
	}
	return nil
}

// Reconcile fails tasks stuck in processing beyond the stale threshold.
func (p *Pool) Reconcile(ctx context.Context, now time.Time) {
	if p.stale == nil || p.staleAfter <= 0 {
		return
	}
	tasks, err := p.stale.RecoverStale(ctx, now, p.staleAfter)
	if err != nil {
		p.storeErrors.Add(1)
		p.log.Error().Err(err).Msg("recover stale tasks")
	}
	for _, t := range tasks {
		p.recovered.Add(1)
		p.log.Warn().Str("task_id", t.ID).Str("owner_id", t.OwnerID).Int("attempts", t.Attempts).Msg("stale processing task marked failed")
		err := p.sink.Record(ctx, audit.Event{
			OwnerID: t.OwnerID,
			Kind:    audit.KindPostFailed,
			Message: fmt.Sprintf("Post to %s interrupted", t.Platform),
			Details: map[string]any{
				"task_id":     t.ID,
				"content_ref": t.ContentRef,
				"platform":    string(t.Platform),
				"error":       queue.StaleReason,
				"error_kind":  string(domain.KindStaleProcessing),
			},
		})
		if err != nil {
			p.log.Error().Err(err).Msg("audit record failed")
		}
	}
}

// Wait blocks until every dispatch started so far has returned.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) Stats() Stats {
	return Stats{
		Ticks:       p.ticks.Load(),
		Skipped:     p.skipped.Load(),
		Dispatched:  p.dispatched.Load(),
		StoreErrors: p.storeErrors.Load(),
		Recovered:   p.recovered.Load(),
		InFlight:    len(p.sem),
	}
}
