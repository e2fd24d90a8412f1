// Package delivery hands an individual's admitted jobs out one at a time.
package delivery

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"marijobs-go/internal/models"
	"marijobs-go/internal/storage"
)

// Store is the subset of storage the queue needs.
type Store interface {
	storage.JobStore
	storage.VoteStore
	storage.QueueStore
}

// Queue is the per-individual FIFO of undelivered jobs.
type Queue struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewQueue(store Store, logger *zap.Logger) *Queue {
	return &Queue{store: store, logger: logger, now: time.Now}
}

// Enqueue appends jobs in the given order, skipping the ones the individual
// already voted on and the ones already waiting in the queue.
func (q *Queue) Enqueue(ctx context.Context, individual string, jobs []models.Job, phase int) (int, error) {
	remaining, err := storage.ExcludeVoted(ctx, q.store, individual, jobs)
	if err != nil {
		return 0, err
	}
	if len(remaining) == 0 {
		return 0, nil
	}

	now := q.now()
	entries := make([]models.QueueEntry, 0, len(remaining))
	for _, job := range remaining {
		entries = append(entries, models.QueueEntry{
			Individual: individual,
			JobID:      job.ID,
			Phase:      phase,
			EnqueuedAt: now,
		})
	}

	added, err := q.store.PushQueue(ctx, individual, entries)
	if err != nil {
		return 0, errors.Wrapf(err, "enqueue %d jobs", len(entries))
	}
	return added, nil
}

// Item is a job taken off the queue along with the entry it came from.
type Item struct {
	Entry models.QueueEntry
	Job   models.Job
}

// Next pops the oldest entry. An empty queue yields ok=false without error.
// Entries whose job was voted after it was queued, or whose job row is gone,
// are dropped and the following entry is tried.
func (q *Queue) Next(ctx context.Context, individual string) (models.Job, bool, error) {
	d, ok, err := q.Take(ctx, individual)
	return d.Job, ok, err
}

// Take is Next keeping the entry, so it can be handed back with Restore.
func (q *Queue) Take(ctx context.Context, individual string) (Item, bool, error) {
	for {
		entry, ok, err := q.store.PopQueue(ctx, individual)
		if err != nil {
			return Item{}, false, errors.Wrap(err, "pop queue")
		}
		if !ok {
			return Item{}, false, nil
		}

		_, err = q.store.GetVote(ctx, individual, entry.JobID)
		switch {
		case err == nil:
			q.logger.Debug("dropping voted queue entry",
				zap.String("individual", individual), zap.String("job_id", entry.JobID))
			continue
		case !errors.Is(err, storage.ErrNotFound):
			return Item{}, false, errors.Wrap(err, "check vote")
		}

		job, err := q.store.GetJob(ctx, entry.JobID)
		if errors.Is(err, storage.ErrNotFound) {
			q.logger.Warn("queued job no longer exists",
				zap.String("individual", individual), zap.String("job_id", entry.JobID))
			continue
		}
		if err != nil {
			return Item{}, false, errors.Wrap(err, "load queued job")
		}
		return Item{Entry: entry, Job: job}, true, nil
	}
}

// Restore hands taken entries back, ahead of anything queued after them.
func (q *Queue) Restore(ctx context.Context, individual string, entries []models.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return errors.Wrap(q.store.RestoreQueue(ctx, individual, entries), "restore queue")
}

// Discard drops everything still queued for the individual.
func (q *Queue) Discard(ctx context.Context, individual string) error {
	return errors.Wrap(q.store.ClearQueue(ctx, individual), "clear queue")
}

func (q *Queue) Len(ctx context.Context, individual string) (int, error) {
	n, err := q.store.QueueLen(ctx, individual)
	return n, errors.Wrap(err, "queue length")
}
