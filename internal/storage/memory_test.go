package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marijobs-go/internal/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
func newClock() *fakeClock                   { return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)} }
func backendJob(url, country string) models.Job {
	return models.Job{URL: url, Title: "Senior Backend Engineer", Company: "Acme", Country: country, Source: models.SourceLinkedIn}
}

func TestMemoryStore_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newClock()
	store.Now = clock.Now

	first, err := store.UpsertJob(ctx, backendJob("https://example.com/jobs/1?utm_source=li", "portugal"), "alice")
	require.NoError(t, err)
	assert.True(t, first.Inserted)

	clock.Advance(time.Hour)
	second, err := store.UpsertJob(ctx, backendJob("https://EXAMPLE.com/jobs/1/", "portugal"), "bob")
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.JobID, second.JobID)

	_, err = store.UpsertJob(ctx, backendJob("https://example.com/jobs/1", "portugal"), "alice")
	require.NoError(t, err)

	assert.Equal(t, 1, store.JobCount())
	job, err := store.GetJob(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, job.FoundBy)
	assert.Equal(t, clock.Now(), job.LastSeen)
	assert.Equal(t, clock.Now().Add(-time.Hour), job.FirstSeen)
}

func TestMemoryStore_ConcurrentUpsertsShareOneRow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		ids      = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(individual string) {
			defer wg.Done()
			res, err := store.UpsertJob(ctx, backendJob("https://example.com/jobs/42?utm_campaign=x", "portugal"), individual)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[res.JobID] = true
			if res.Inserted {
				inserted++
			}
		}(fmt.Sprintf("individual-%d", i))
	}
	wg.Wait()

	assert.Equal(t, 1, store.JobCount())
	assert.Equal(t, 1, inserted)
	require.Len(t, ids, 1)

	var id string
	for k := range ids {
		id = k
	}
	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Len(t, job.FoundBy, n)
	seen := make(map[string]bool)
	for _, who := range job.FoundBy {
		assert.False(t, seen[who], "duplicate %s in found_by", who)
		seen[who] = true
	}
}

func TestMemoryStore_UpsertRejectsBadURL(t *testing.T) {
	_, err := NewMemoryStore().UpsertJob(context.Background(), backendJob("javascript:alert(1)", "spain"), "alice")
	assert.Error(t, err)
}

func TestMemoryStore_FindFresh(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newClock()
	store.Now = clock.Now

	old, err := store.UpsertJob(ctx, backendJob("https://example.com/old", "portugal"), "a")
	require.NoError(t, err)
	clock.Advance(72 * time.Hour)
	fresh, err := store.UpsertJob(ctx, backendJob("https://example.com/fresh", "Portugal"), "a")
	require.NoError(t, err)
	_, err = store.UpsertJob(ctx, backendJob("https://example.com/spain", "spain"), "a")
	require.NoError(t, err)
	_, err = store.UpsertJob(ctx, models.Job{URL: "https://example.com/chef", Title: "Chef", Country: "portugal"}, "a")
	require.NoError(t, err)

	jobs, err := store.FindFresh(ctx, []string{"BACKEND"}, []string{"portugal"}, 48*time.Hour)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, fresh.JobID, jobs[0].ID)

	jobs, err = store.FindFresh(ctx, []string{"backend"}, []string{"portugal"}, 100*time.Hour)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, fresh.JobID, jobs[0].ID, "newest first")
	assert.Equal(t, old.JobID, jobs[1].ID)
}

func TestMemoryStore_ExpireJobsProtectsInterviews(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newClock()
	store.Now = clock.Now

	a, _ := store.UpsertJob(ctx, backendJob("https://example.com/a", "portugal"), "x")
	b, _ := store.UpsertJob(ctx, backendJob("https://example.com/b", "portugal"), "x")
	require.NoError(t, store.AddInterview(ctx, models.Interview{Individual: "x", JobID: b.JobID, Rating: 4}))

	clock.Advance(31 * 24 * time.Hour)
	n, err := store.ExpireJobs(ctx, clock.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobA, _ := store.GetJob(ctx, a.JobID)
	jobB, _ := store.GetJob(ctx, b.JobID)
	assert.False(t, jobA.Active)
	assert.True(t, jobB.Active)

	jobs, err := store.FindFresh(ctx, []string{"backend"}, []string{"portugal"}, 1000*time.Hour)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, b.JobID, jobs[0].ID)
}

func TestMemoryStore_VoteOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.SaveVote(ctx, models.Vote{Individual: "x", JobID: "j1", Verdict: models.VerdictRelevant}))
	require.NoError(t, store.SaveVote(ctx, models.Vote{Individual: "x", JobID: "j1", Verdict: models.VerdictNotRelevant}))
	require.NoError(t, store.SaveVote(ctx, models.Vote{Individual: "y", JobID: "j1", Verdict: models.VerdictRelevant}))

	vote, err := store.GetVote(ctx, "x", "j1")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictNotRelevant, vote.Verdict)

	summary, err := store.VoteSummary(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.VoteSummary{Up: 1, Down: 1, Total: 2}, summary)

	_, err = store.GetVote(ctx, "z", "j1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_QueueSkipsDuplicatesAndKeepsOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	added, err := store.PushQueue(ctx, "x", []models.QueueEntry{{JobID: "a", Phase: 1}, {JobID: "b", Phase: 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	added, err = store.PushQueue(ctx, "x", []models.QueueEntry{{JobID: "b", Phase: 2}, {JobID: "c", Phase: 2}})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	n, _ := store.QueueLen(ctx, "x")
	assert.Equal(t, 3, n)

	var order []string
	for {
		entry, ok, err := store.PopQueue(ctx, "x")
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, entry.JobID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)

	_, ok, err := store.PopQueue(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_RestoreQueuePutsEntriesBackInPlace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.PushQueue(ctx, "x", []models.QueueEntry{{JobID: "a"}, {JobID: "b"}, {JobID: "c"}})
	require.NoError(t, err)
	first, _, err := store.PopQueue(ctx, "x")
	require.NoError(t, err)
	second, _, err := store.PopQueue(ctx, "x")
	require.NoError(t, err)
	_, err = store.PushQueue(ctx, "x", []models.QueueEntry{{JobID: "d"}})
	require.NoError(t, err)

	require.NoError(t, store.RestoreQueue(ctx, "x", []models.QueueEntry{second, first}))
	// restoring twice is harmless
	require.NoError(t, store.RestoreQueue(ctx, "x", []models.QueueEntry{first}))

	var order []string
	for {
		entry, ok, err := store.PopQueue(ctx, "x")
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, entry.JobID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestMemoryStore_HistoryPages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newClock()
	store.Now = clock.Now

	var ids []string
	for _, u := range []string{"https://e.com/1", "https://e.com/2", "https://e.com/3"} {
		res, err := store.UpsertJob(ctx, backendJob(u, "spain"), "x")
		require.NoError(t, err)
		ids = append(ids, res.JobID)
		clock.Advance(time.Minute)
		require.NoError(t, store.SaveVote(ctx, models.Vote{Individual: "x", JobID: res.JobID, Verdict: models.VerdictRelevant}))
	}
	require.NoError(t, store.SaveApplication(ctx, models.Application{Individual: "x", JobID: ids[2], Stage: models.StageApplied}))

	page, total, err := store.History(ctx, "x", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].Job.ID)
	assert.Equal(t, models.StageApplied, page[0].Stage)

	page, _, err = store.History(ctx, "x", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].Job.ID)
}

func TestExcludeVoted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveVote(ctx, models.Vote{Individual: "x", JobID: "b", Verdict: models.VerdictNotRelevant}))

	jobs, err := ExcludeVoted(ctx, store, "x", []models.Job{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	require.NoError(t, err)
	assert.Equal(t, []models.Job{{ID: "a"}, {ID: "c"}}, jobs)
}

func TestMemoryStore_SessionIsCopied(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := models.NewSession("x")
	s.Terms = []string{"go"}
	require.NoError(t, store.SaveSession(ctx, s))
	s.Terms[0] = "mutated"

	got, err := store.GetSession(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, got.Terms)

	_, err = store.GetSession(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
