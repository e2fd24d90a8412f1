package scraper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marijobs-go/internal/cache"
	"marijobs-go/internal/delivery"
	"marijobs-go/internal/models"
	"marijobs-go/internal/scraper/sources"
	"marijobs-go/internal/storage"
)

// fakeSource returns listings generated from the query, n per page.
type fakeSource struct {
	name   string
	scoped bool
	shared bool // same URLs for every term
	perPg  int
	pages  int
	err    error
	search func(ctx context.Context, q sources.Query)

	mu    sync.Mutex
	calls []sources.Query
}

func (f *fakeSource) GetName() string     { return f.name }
func (f *fakeSource) GetBaseURL() string  { return "https://" + f.name + ".test" }
func (f *fakeSource) CountryScoped() bool { return f.scoped }

func (f *fakeSource) Search(ctx context.Context, q sources.Query) (sources.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q)
	f.mu.Unlock()
	if f.search != nil {
		f.search(ctx, q)
	}
	if f.err != nil {
		return sources.Page{}, f.err
	}
	country := q.Country
	if !f.scoped {
		country = "spain"
	}
	term := strings.ReplaceAll(q.Term, " ", "-")
	if f.shared {
		term = "any"
	}
	var listings []models.Job
	for i := 0; i < f.perPg; i++ {
		listings = append(listings, models.Job{
			URL:     fmt.Sprintf("https://%s.test/%s/%s/%d/%d", f.name, term, country, q.Page, i),
			Title:   q.Term + " position",
			Country: country,
			Source:  models.Source(f.name),
		})
	}
	pages := f.pages
	if pages == 0 {
		pages = 1
	}
	return sources.Page{Listings: listings, Exhausted: q.Page+1 >= pages}, nil
}

func (f *fakeSource) Calls() []sources.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sources.Query(nil), f.calls...)
}

// recordingListener keeps every notification in order.
type recordingListener struct {
	mu       sync.Mutex
	admitted []int // phase of each JobsAdmitted call
	done     []int
	failDone error
}

func (l *recordingListener) JobsAdmitted(_ context.Context, phase, _ int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.admitted = append(l.admitted, phase)
}

func (l *recordingListener) Progress(context.Context, int, int, int) {}

func (l *recordingListener) PhaseDone(_ context.Context, phase, _ int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = append(l.done, phase)
	return l.failDone
}

type fixture struct {
	store    *storage.MemoryStore
	ledger   *cache.MemoryLedger
	queue    *delivery.Queue
	registry *sources.Registry
	seq      *Sequencer
}

func newFixture(t *testing.T, srcs ...sources.JobSource) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		store:    storage.NewMemoryStore(),
		ledger:   cache.NewMemoryLedger(),
		registry: sources.NewRegistry(nil),
	}
	for _, src := range srcs {
		f.registry.RegisterSource(src)
	}
	f.queue = delivery.NewQueue(f.store, logger)
	f.seq = NewSequencer(f.registry, f.store, f.queue, f.ledger, nil, SequencerConfig{
		RequestTimeout: time.Second,
		CacheWindow:    48 * time.Hour,
	}, logger)
	return f
}

func request(individual string, privileged bool, terms, countries []string) models.SearchRequest {
	return models.SearchRequest{Individual: individual, Terms: terms, Countries: countries, Privileged: privileged}
}

func queuedPhases(t *testing.T, f *fixture, individual string) []int {
	t.Helper()
	var phases []int
	for {
		entry, ok, err := f.store.PopQueue(context.Background(), individual)
		require.NoError(t, err)
		if !ok {
			return phases
		}
		phases = append(phases, entry.Phase)
	}
}

func TestSequencer_PhasesRunInOrder(t *testing.T) {
	ctx := context.Background()
	linkedin := &fakeSource{name: "linkedin", scoped: true, perPg: 2}
	euraxess := &fakeSource{name: "euraxess", scoped: true, perPg: 1, pages: 2}
	ibec := &fakeSource{name: "ibec", perPg: 1}
	f := newFixture(t, ibec, euraxess, linkedin)

	req := request("alice", true, []string{"biologist"}, []string{"portugal", "spain"})
	listener := &recordingListener{}
	outcome, err := f.seq.Run(ctx, &Run{Request: req, MustFetch: req.Pairings()}, listener)
	require.NoError(t, err)

	assert.False(t, outcome.Cancelled)
	assert.Equal(t, 3, outcome.LastPhase)
	assert.Equal(t, []int{1, 2, 3}, listener.done)
	// 2 pairings x 2 listings, 2 pairings x 2 pages x 1 listing, 1 term x 1 listing
	assert.Equal(t, 9, outcome.Admitted)
	assert.Equal(t, 2+4+1, outcome.Queries)

	phases := queuedPhases(t, f, "alice")
	require.Len(t, phases, 9)
	assert.IsNonDecreasing(t, phases)
	assert.IsNonDecreasing(t, listener.admitted)

	// IBEC is queried once per term, not per country
	require.Len(t, ibec.Calls(), 1)
	assert.Empty(t, ibec.Calls()[0].Country)
}

func TestSequencer_NonPrivilegedStopsAfterPhaseOne(t *testing.T) {
	ctx := context.Background()
	linkedin := &fakeSource{name: "linkedin", scoped: true, perPg: 3}
	euraxess := &fakeSource{name: "euraxess", scoped: true, perPg: 5}
	f := newFixture(t, linkedin, euraxess)

	req := request("bob", false, []string{"nurse"}, []string{"portugal"})
	listener := &recordingListener{}
	outcome, err := f.seq.Run(ctx, &Run{Request: req, MustFetch: req.Pairings()}, listener)
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.Admitted)
	assert.Equal(t, []int{1}, listener.done)
	assert.Empty(t, euraxess.Calls())

	// three votes later there is nothing left to deliver
	for i := 0; i < 3; i++ {
		job, ok, err := f.queue.Next(ctx, "bob")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, f.store.SaveVote(ctx, models.Vote{Individual: "bob", JobID: job.ID, Verdict: models.VerdictNotRelevant}))
	}
	_, ok, err := f.queue.Next(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSequencer_RepeatSearchIsServedFromCache(t *testing.T) {
	ctx := context.Background()
	linkedin := &fakeSource{name: "linkedin", scoped: true, perPg: 2}
	f := newFixture(t, linkedin)
	gate := NewGate(f.store, f.ledger, 48*time.Hour, zaptest.NewLogger(t))

	first := request("alice", false, []string{"chemist"}, []string{"portugal"})
	res, err := gate.Evaluate(ctx, first)
	require.NoError(t, err)
	require.Len(t, res.MustFetch, 1)
	_, err = f.seq.Run(ctx, &Run{Request: first, MustFetch: res.MustFetch}, nil)
	require.NoError(t, err)
	require.Len(t, linkedin.Calls(), 1)

	// carol searches the same pairing and voted one of the two jobs already
	jobs, err := f.store.FindFresh(ctx, []string{"chemist"}, []string{"portugal"}, time.Hour)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.NoError(t, f.store.SaveVote(ctx, models.Vote{Individual: "carol", JobID: jobs[0].ID, Verdict: models.VerdictRelevant}))

	second := request("carol", false, []string{"chemist"}, []string{"portugal"})
	res, err = gate.Evaluate(ctx, second)
	require.NoError(t, err)
	assert.Empty(t, res.MustFetch)
	assert.Len(t, res.Fresh, 2)

	added, err := f.queue.Enqueue(ctx, "carol", res.Fresh, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	outcome, err := f.seq.Run(ctx, &Run{Request: second, MustFetch: res.MustFetch}, nil)
	require.NoError(t, err)
	assert.Zero(t, outcome.Queries)
	assert.Len(t, linkedin.Calls(), 1)
}

func TestSequencer_SourceErrorCountsAsNoResults(t *testing.T) {
	ctx := context.Background()
	broken := &fakeSource{name: "indeed", scoped: true, err: errors.New("502 bad gateway")}
	linkedin := &fakeSource{name: "linkedin", scoped: true, perPg: 1}
	f := newFixture(t, broken, linkedin)

	req := request("alice", false, []string{"welder"}, []string{"germany"})
	outcome, err := f.seq.Run(ctx, &Run{Request: req, MustFetch: req.Pairings()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Admitted)

	snap := f.seq.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.SourcePerformance["indeed"].Errors)
	assert.Equal(t, int64(1), snap.SourcePerformance["linkedin"].Admitted)
}

func TestSequencer_FailedPairingIsNotMarkedFetched(t *testing.T) {
	ctx := context.Background()
	broken := &fakeSource{name: "linkedin", scoped: true, err: errors.New("timeout")}
	f := newFixture(t, broken)

	req := request("alice", false, []string{"welder"}, []string{"germany"})
	_, err := f.seq.Run(ctx, &Run{Request: req, MustFetch: req.Pairings()}, nil)
	require.NoError(t, err)

	fetched, err := f.ledger.FetchedWithin(ctx, req.Pairings()[0])
	require.NoError(t, err)
	assert.False(t, fetched)
}

func TestSequencer_EmptyFetchIsRemembered(t *testing.T) {
	ctx := context.Background()
	empty := &fakeSource{name: "linkedin", scoped: true}
	f := newFixture(t, empty)
	gate := NewGate(f.store, f.ledger, 48*time.Hour, zaptest.NewLogger(t))

	req := request("alice", false, []string{"astronaut"}, []string{"portugal"})
	_, err := f.seq.Run(ctx, &Run{Request: req, MustFetch: req.Pairings()}, nil)
	require.NoError(t, err)

	res, err := gate.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, res.Fresh)
	assert.Empty(t, res.MustFetch)
}

type failingJobs struct {
	*storage.MemoryStore
}

func (failingJobs) UpsertJob(context.Context, models.Job, string) (storage.UpsertResult, error) {
	return storage.UpsertResult{}, errors.New("connection reset")
}

func TestSequencer_PersistenceFailureAborts(t *testing.T) {
	ctx := context.Background()
	linkedin := &fakeSource{name: "linkedin", scoped: true, perPg: 1}
	f := newFixture(t, linkedin)
	seq := NewSequencer(f.registry, failingJobs{f.store}, f.queue, f.ledger, nil, SequencerConfig{}, zaptest.NewLogger(t))

	req := request("alice", true, []string{"welder"}, []string{"germany"})
	run := &Run{Request: req, MustFetch: req.Pairings(), Phase: 1}
	listener := &recordingListener{}
	_, err := seq.Run(ctx, run, listener)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Empty(t, listener.done)
	assert.Equal(t, 1, run.Phase)

	fetched, err := f.ledger.FetchedWithin(ctx, req.Pairings()[0])
	require.NoError(t, err)
	assert.False(t, fetched)
}

func TestSequencer_CancelDiscardsInFlightResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawCancelled bool
	linkedin := &fakeSource{name: "linkedin", scoped: true, perPg: 2, search: func(qctx context.Context, _ sources.Query) {
		cancel()
		sawCancelled = qctx.Err() != nil
	}}
	indeed := &fakeSource{name: "indeed", scoped: true, perPg: 2}
	f := newFixture(t, linkedin, indeed)

	req := request("alice", false, []string{"welder"}, []string{"germany"})
	outcome, err := f.seq.Run(ctx, &Run{Request: req, MustFetch: req.Pairings()}, nil)
	require.NoError(t, err)

	assert.True(t, outcome.Cancelled)
	assert.False(t, sawCancelled, "in-flight query must not see the cancellation")
	assert.Empty(t, indeed.Calls())
	assert.Zero(t, f.store.JobCount())
	n, err := f.queue.Len(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSequencer_ResumesFromPersistedPhase(t *testing.T) {
	ctx := context.Background()
	linkedin := &fakeSource{name: "linkedin", scoped: true, perPg: 1}
	euraxess := &fakeSource{name: "euraxess", scoped: true, perPg: 1}
	f := newFixture(t, linkedin, euraxess)

	req := request("alice", true, []string{"physicist"}, []string{"spain"})
	listener := &recordingListener{}
	outcome, err := f.seq.Run(ctx, &Run{Request: req, MustFetch: req.Pairings(), Phase: 2}, listener)
	require.NoError(t, err)

	assert.Empty(t, linkedin.Calls())
	assert.Len(t, euraxess.Calls(), 1)
	assert.Equal(t, []int{2, 3}, listener.done)
	assert.Equal(t, 1, outcome.Admitted)
}

func TestSequencer_SameListingForTwoTermsAdmittedOnce(t *testing.T) {
	ctx := context.Background()
	linkedin := &fakeSource{name: "linkedin", scoped: true, shared: true, perPg: 1}
	f := newFixture(t, linkedin)

	req := request("alice", false, []string{"welder", "metal worker"}, []string{"germany"})
	outcome, err := f.seq.Run(ctx, &Run{Request: req, MustFetch: req.Pairings()}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.Admitted)
	assert.Equal(t, 1, f.store.JobCount())
	assert.Equal(t, int64(1), f.seq.Metrics().Snapshot().TotalDuplicates)
}

func TestSequencer_RerunQueuesKnownJobsForOtherIndividuals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeSource{name: "linkedin", scoped: true, perPg: 2})

	alice := request("alice", false, []string{"welder"}, []string{"germany"})
	outcome, err := f.seq.Run(ctx, &Run{Request: alice, MustFetch: alice.Pairings()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Admitted)

	// alice still has both queued, so nothing new for her
	outcome, err = f.seq.Run(ctx, &Run{Request: alice, MustFetch: alice.Pairings()}, nil)
	require.NoError(t, err)
	assert.Zero(t, outcome.Admitted)

	bob := request("bob", false, []string{"welder"}, []string{"germany"})
	outcome, err = f.seq.Run(ctx, &Run{Request: bob, MustFetch: bob.Pairings()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Admitted)
	assert.Equal(t, 2, f.store.JobCount())
	assert.Equal(t, []int{1, 1}, queuedPhases(t, f, "bob"))
	assert.Equal(t, int64(4), f.seq.Metrics().Snapshot().TotalRefreshed)

	job, ok, err := f.queue.Next(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"alice", "bob"}, job.FoundBy)
}

func TestSequencer_RerunSkipsVotedJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeSource{name: "linkedin", scoped: true, perPg: 2})

	req := request("alice", false, []string{"welder"}, []string{"germany"})
	_, err := f.seq.Run(ctx, &Run{Request: req, MustFetch: req.Pairings()}, nil)
	require.NoError(t, err)

	job, ok, err := f.queue.Next(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.store.SaveVote(ctx, models.Vote{Individual: "alice", JobID: job.ID, Verdict: models.VerdictRelevant}))
	require.NoError(t, f.queue.Discard(ctx, "alice"))

	archive := &recordingArchive{}
	f.seq.WithArchive(archive)
	outcome, err := f.seq.Run(ctx, &Run{Request: req, MustFetch: req.Pairings()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Admitted)
	assert.Empty(t, archive.jobs, "only new rows are mirrored")
}

func TestSequencer_LogsSearchAfterPhaseOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeSource{name: "linkedin", scoped: true, perPg: 2})

	req := request("alice", false, []string{"welder"}, []string{"germany"})
	_, err := f.seq.Run(ctx, &Run{Request: req, MustFetch: req.Pairings(), CacheHits: 3}, nil)
	require.NoError(t, err)

	searches := f.store.Searches()
	require.Len(t, searches, 1)
	assert.Equal(t, 5, searches[0].ResultsCount)
	assert.Equal(t, []string{"welder"}, searches[0].Terms)
}

type recordingArchive struct{ jobs []models.Job }

func (a *recordingArchive) Archive(_ context.Context, jobs []models.Job) error {
	a.jobs = append(a.jobs, jobs...)
	return errors.New("supabase unavailable")
}

func TestSequencer_ArchiveFailureDoesNotFailRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeSource{name: "linkedin", scoped: true, perPg: 2})
	archive := &recordingArchive{}
	f.seq.WithArchive(archive)

	req := request("alice", false, []string{"welder"}, []string{"germany"})
	outcome, err := f.seq.Run(ctx, &Run{Request: req, MustFetch: req.Pairings()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Admitted)
	require.Len(t, archive.jobs, 2)
	assert.NotEmpty(t, archive.jobs[0].ID)
}
