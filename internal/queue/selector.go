package queue

import (
	"context"
	"time"

	"postflow/internal/domain"
)

// DueSource is the slice of the store the selector needs.
type DueSource interface {
	DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.QueueTask, error)
}

// Selector picks the due tasks for one poll cycle. The batch limit bounds
// the work a single cycle can take on after a backlog builds up.
type Selector struct {
	src   DueSource
	limit int
}

func NewSelector(src DueSource, limit int) *Selector {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	return &Selector{src: src, limit: limit}
}

func (s *Selector) Due(ctx context.Context, now time.Time) ([]domain.QueueTask, error) {
	return s.src.DueTasks(ctx, now, s.limit)
}

func (s *Selector) Limit() int { return s.limit }
