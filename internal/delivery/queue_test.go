package delivery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marijobs-go/internal/models"
	"marijobs-go/internal/storage"
)

func seedJobs(t *testing.T, store *storage.MemoryStore, n int) []models.Job {
	t.Helper()
	ctx := context.Background()
	jobs := make([]models.Job, 0, n)
	for i := 0; i < n; i++ {
		job := models.Job{
			URL:     fmt.Sprintf("https://jobs.example.com/%d", i),
			Title:   fmt.Sprintf("Data Engineer %d", i),
			Country: "portugal",
			Source:  models.SourceIndeed,
		}
		res, err := store.UpsertJob(ctx, job, "alice")
		require.NoError(t, err)
		stored, err := store.GetJob(ctx, res.JobID)
		require.NoError(t, err)
		jobs = append(jobs, stored)
	}
	return jobs
}

func vote(t *testing.T, store *storage.MemoryStore, individual, jobID string) {
	t.Helper()
	require.NoError(t, store.SaveVote(context.Background(), models.Vote{
		Individual: individual, JobID: jobID, Verdict: models.VerdictRelevant, VotedAt: time.Now(),
	}))
}

func TestQueue_FIFOAndEmpty(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	q := NewQueue(store, zaptest.NewLogger(t))
	jobs := seedJobs(t, store, 3)

	added, err := q.Enqueue(ctx, "alice", jobs, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	n, err := q.Len(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, want := range jobs {
		got, ok, err := q.Next(ctx, "alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want.ID, got.ID)
	}

	for i := 0; i < 2; i++ {
		_, ok, err := q.Next(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestQueue_EnqueueSkipsVotedAndQueued(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	q := NewQueue(store, zaptest.NewLogger(t))
	jobs := seedJobs(t, store, 3)
	vote(t, store, "alice", jobs[1].ID)

	added, err := q.Enqueue(ctx, "alice", jobs, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = q.Enqueue(ctx, "alice", jobs, 1)
	require.NoError(t, err)
	assert.Zero(t, added)

	// bob's queue is his own
	added, err = q.Enqueue(ctx, "bob", jobs, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, added)
}

func TestQueue_NextDropsJobsVotedAfterEnqueue(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	q := NewQueue(store, zaptest.NewLogger(t))
	jobs := seedJobs(t, store, 3)

	_, err := q.Enqueue(ctx, "alice", jobs, 1)
	require.NoError(t, err)
	vote(t, store, "alice", jobs[0].ID)
	vote(t, store, "alice", jobs[1].ID)

	got, ok, err := q.Next(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobs[2].ID, got.ID)
}

func TestQueue_ThreeVotesThenNothing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	q := NewQueue(store, zaptest.NewLogger(t))
	jobs := seedJobs(t, store, 3)

	_, err := q.Enqueue(ctx, "alice", jobs, 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		job, ok, err := q.Next(ctx, "alice")
		require.NoError(t, err)
		require.True(t, ok)
		vote(t, store, "alice", job.ID)
	}

	_, ok, err := q.Next(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_RestoreReturnsTakenJobsFirst(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	q := NewQueue(store, zaptest.NewLogger(t))
	jobs := seedJobs(t, store, 3)

	_, err := q.Enqueue(ctx, "alice", jobs, 1)
	require.NoError(t, err)
	d, ok, err := q.Take(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobs[0].ID, d.Job.ID)
	assert.Equal(t, jobs[0].ID, d.Entry.JobID)

	require.NoError(t, q.Restore(ctx, "alice", []models.QueueEntry{d.Entry}))
	n, err := q.Len(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, ok, err := q.Next(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobs[0].ID, got.ID)
}

func TestQueue_Discard(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	q := NewQueue(store, zaptest.NewLogger(t))

	_, err := q.Enqueue(ctx, "alice", seedJobs(t, store, 2), 1)
	require.NoError(t, err)
	require.NoError(t, q.Discard(ctx, "alice"))

	n, err := q.Len(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}
