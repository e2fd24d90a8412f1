package scraper

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"marijobs-go/internal/cache"
	"marijobs-go/internal/models"
	"marijobs-go/internal/scraper/sources"
	"marijobs-go/internal/storage"
)

// MaxPhase is the last phase a run can reach.
const MaxPhase = 3

// maxPagesPerQuery bounds paging for sources that never report exhaustion.
const maxPagesPerQuery = 10

// Store is what the sequencer persists to.
type Store interface {
	storage.JobStore
	storage.SearchLog
}

// Enqueuer admits jobs into an individual's delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, individual string, jobs []models.Job, phase int) (int, error)
}

// Archiver mirrors admitted jobs somewhere else. Failures never fail a run.
type Archiver interface {
	Archive(ctx context.Context, jobs []models.Job) error
}

// Listener is told about progress from the run goroutine.
type Listener interface {
	// JobsAdmitted is called every time new jobs land in the queue.
	JobsAdmitted(ctx context.Context, phase, added int)
	// Progress reports how many subtasks of the phase are still pending.
	Progress(ctx context.Context, phase, remaining, total int)
	// PhaseDone is called once every subtask of the phase finished. An error
	// aborts the run.
	PhaseDone(ctx context.Context, phase, admitted int) error
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) JobsAdmitted(context.Context, int, int)    {}
func (NopListener) Progress(context.Context, int, int, int)   {}
func (NopListener) PhaseDone(context.Context, int, int) error { return nil }

// Run is one search run. Phase is the next phase to execute, so a run that
// was interrupted can be resumed where it stopped.
type Run struct {
	Request   models.SearchRequest
	MustFetch []models.Pairing
	Phase     int
	// CacheHits is recorded in the search log alongside the admissions.
	CacheHits int
	// Queue replaces the sequencer's queue for this run when set.
	Queue Enqueuer
}

type Outcome struct {
	Admitted  int
	Queries   int
	LastPhase int
	Cancelled bool
}

// SequencerConfig holds the timing knobs of a run.
type SequencerConfig struct {
	ScrapeDelay    time.Duration
	RequestTimeout time.Duration
	CacheWindow    time.Duration
}

// Sequencer fetches must-fetch pairings phase by phase: every source of a
// phase is drained before the next phase starts.
type Sequencer struct {
	registry *sources.Registry
	store    Store
	queue    Enqueuer
	ledger   cache.Ledger
	archive  Archiver
	metrics  *Metrics
	cfg      SequencerConfig
	logger   *zap.Logger
}

func NewSequencer(registry *sources.Registry, store Store, queue Enqueuer, ledger cache.Ledger, metrics *Metrics, cfg SequencerConfig, logger *zap.Logger) *Sequencer {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Sequencer{
		registry: registry,
		store:    store,
		queue:    queue,
		ledger:   ledger,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithArchive sets the best-effort mirror of admitted jobs.
func (s *Sequencer) WithArchive(a Archiver) *Sequencer {
	s.archive = a
	return s
}

// Metrics returns the sequencer metrics.
func (s *Sequencer) Metrics() *Metrics {
	return s.metrics
}

// subtask is one source queried for one term, and for country-scoped sources
// one country.
type subtask struct {
	source  sources.JobSource
	term    string
	country string
	// pairings are marked fetched once the subtask has a successful query.
	pairings []models.Pairing
}

// latch counts the subtasks of a phase that have not finished yet. The phase
// is exhausted when it reaches zero.
type latch struct {
	total     int
	remaining int
}

func newLatch(n int) *latch { return &latch{total: n, remaining: n} }

func (l *latch) countDown() int {
	if l.remaining > 0 {
		l.remaining--
	}
	return l.remaining
}

var errCancelled = errors.New("run cancelled")

// Run executes the run from run.Phase onward. Cancelling ctx stops it before
// the next query; the outcome then has Cancelled set and the error is nil.
func (s *Sequencer) Run(ctx context.Context, run *Run, listener Listener) (Outcome, error) {
	if listener == nil {
		listener = NopListener{}
	}
	start := run.Phase
	if start < 1 {
		start = 1
	}

	var outcome Outcome
	pacer := NewPacer(s.cfg.ScrapeDelay)
	dedup := NewDeduplicator()
	marked := make(map[models.Pairing]bool)

	for phase := start; phase <= MaxPhase; phase++ {
		if phase >= 2 && !run.Request.Privileged {
			break
		}
		if ctx.Err() != nil {
			outcome.Cancelled = true
			return outcome, nil
		}

		phaseStart := time.Now()
		admitted, queries, err := s.runPhase(ctx, run, phase, pacer, dedup, marked, listener)
		outcome.Admitted += admitted
		outcome.Queries += queries
		s.metrics.observePhase(phase, time.Since(phaseStart))
		if errors.Is(err, errCancelled) {
			outcome.Cancelled = true
			return outcome, nil
		}
		if err != nil {
			return outcome, errors.Wrapf(err, "phase %d", phase)
		}

		s.logger.Info("phase exhausted",
			zap.String("individual", run.Request.Individual),
			zap.Int("phase", phase),
			zap.Int("admitted", admitted),
			zap.Int("queries", queries))

		if phase == 1 {
			s.logSearch(ctx, run, admitted)
		}
		outcome.LastPhase = phase
		run.Phase = phase + 1
		if err := listener.PhaseDone(ctx, phase, admitted); err != nil {
			return outcome, errors.Wrapf(err, "finish phase %d", phase)
		}
	}
	return outcome, nil
}

func (s *Sequencer) runPhase(ctx context.Context, run *Run, phase int, pacer *Pacer, dedup *Deduplicator, marked map[models.Pairing]bool, listener Listener) (admitted, queries int, err error) {
	tasks := s.subtasks(run.MustFetch, s.registry.ForPhase(phase))
	if len(tasks) == 0 {
		return 0, 0, nil
	}

	l := newLatch(len(tasks))
	listener.Progress(ctx, phase, l.remaining, l.total)
	var archived []models.Job
	defer func() {
		if len(archived) > 0 {
			s.mirror(ctx, archived)
		}
	}()

	for _, task := range tasks {
		inserted, added, n, err := s.runSubtask(ctx, run, phase, task, pacer, dedup, marked, listener)
		queries += n
		admitted += added
		archived = append(archived, inserted...)
		if err != nil {
			return admitted, queries, err
		}
		listener.Progress(ctx, phase, l.countDown(), l.total)
	}
	return admitted, queries, nil
}

// subtasks crosses the must-fetch pairings with the phase sources. Sources
// that ignore the country get one subtask per distinct term.
func (s *Sequencer) subtasks(pairings []models.Pairing, phaseSources []sources.JobSource) []subtask {
	var tasks []subtask
	for _, src := range phaseSources {
		if src.CountryScoped() {
			for _, p := range pairings {
				tasks = append(tasks, subtask{source: src, term: p.Term, country: p.Country, pairings: []models.Pairing{p}})
			}
			continue
		}
		seen := make(map[string]bool)
		for _, p := range pairings {
			key := strings.ToLower(p.Term)
			if seen[key] {
				continue
			}
			seen[key] = true
			tasks = append(tasks, subtask{source: src, term: p.Term})
		}
	}
	return tasks
}

// runSubtask pages through one source query. It returns the jobs new to the
// store, how many jobs were queued and the number of queries issued. Jobs
// already known to the store are queued too, unless the individual voted on
// them or already has them queued.
func (s *Sequencer) runSubtask(ctx context.Context, run *Run, phase int, task subtask, pacer *Pacer, dedup *Deduplicator, marked map[models.Pairing]bool, listener Listener) (inserted []models.Job, added, queries int, err error) {
	individual := run.Request.Individual
	name := task.source.GetName()
	log := s.logger.With(
		zap.String("individual", individual),
		zap.String("source", name),
		zap.String("term", task.term),
		zap.String("country", task.country))

	queue := s.queue
	if run.Queue != nil {
		queue = run.Queue
	}

	seen := 0
	for page := 0; page < maxPagesPerQuery; page++ {
		if ctx.Err() != nil {
			return inserted, added, queries, errCancelled
		}
		if err := pacer.Wait(ctx); err != nil {
			return inserted, added, queries, errCancelled
		}

		result, took, err := s.query(ctx, task, sources.Query{
			Term:       task.term,
			Country:    task.country,
			RemoteOnly: run.Request.RemoteOnly,
			Page:       page,
			Seen:       seen,
		})
		queries++
		if ctx.Err() != nil {
			log.Debug("discarding results of a cancelled run", zap.Int("page", page))
			return inserted, added, queries, errCancelled
		}
		s.metrics.observeQuery(name, len(result.Listings), took, err)
		if err != nil {
			log.Warn("source query failed, counting as no results", zap.Int("page", page), zap.Error(err))
			break
		}
		seen += len(result.Listings)
		jobs, fresh, err := s.admit(ctx, individual, task, result.Listings, dedup)
		if err != nil {
			return inserted, added, queries, err
		}
		inserted = append(inserted, fresh...)
		if len(jobs) > 0 {
			n, err := queue.Enqueue(ctx, individual, jobs, phase)
			if err != nil {
				return inserted, added, queries, errors.Wrap(err, "enqueue admitted jobs")
			}
			s.metrics.observeAdmitted(name, phase, n)
			added += n
			if n > 0 {
				listener.JobsAdmitted(ctx, phase, n)
			}
		}
		s.markFetched(ctx, task.pairings, marked, log)

		if result.Exhausted {
			break
		}
	}
	return inserted, added, queries, nil
}

// query runs one source request detached from ctx, so cancelling the run
// never tears down a request half way; the caller drops the results instead.
func (s *Sequencer) query(ctx context.Context, task subtask, q sources.Query) (sources.Page, time.Duration, error) {
	qctx := context.WithoutCancel(ctx)
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(qctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	started := time.Now()
	page, err := task.source.Search(qctx, q)
	return page, time.Since(started), err
}

// admit upserts the listings. It returns every stored job and, separately,
// the ones new to the store.
func (s *Sequencer) admit(ctx context.Context, individual string, task subtask, listings []models.Job, dedup *Deduplicator) (stored, inserted []models.Job, err error) {
	unique, duplicates, invalid := dedup.RemoveDuplicates(listings)
	s.metrics.observeDuplicates(duplicates)
	if invalid > 0 {
		s.logger.Debug("skipped listings without a usable url",
			zap.String("source", task.source.GetName()), zap.Int("count", invalid))
	}

	for _, job := range unique {
		if job.SearchTerm == "" {
			job.SearchTerm = task.term
		}
		res, err := s.store.UpsertJob(ctx, job, individual)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "upsert %s", job.URL)
		}
		job.ID = res.JobID
		stored = append(stored, job)
		if res.Inserted {
			inserted = append(inserted, job)
		}
	}
	s.metrics.observeRefreshed(len(stored) - len(inserted))
	return stored, inserted, nil
}

func (s *Sequencer) markFetched(ctx context.Context, pairings []models.Pairing, marked map[models.Pairing]bool, log *zap.Logger) {
	if s.ledger == nil {
		return
	}
	for _, p := range pairings {
		if marked[p] {
			continue
		}
		if err := s.ledger.MarkFetched(ctx, p, s.cfg.CacheWindow); err != nil {
			log.Warn("failed to mark pairing fetched", zap.Error(err))
			continue
		}
		marked[p] = true
	}
}

func (s *Sequencer) mirror(ctx context.Context, jobs []models.Job) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Archive(context.WithoutCancel(ctx), jobs); err != nil {
		s.logger.Warn("archive mirror failed", zap.Int("jobs", len(jobs)), zap.Error(err))
	}
}

func (s *Sequencer) logSearch(ctx context.Context, run *Run, admitted int) {
	record := models.SearchRecord{
		Individual:   run.Request.Individual,
		Terms:        run.Request.Terms,
		Countries:    run.Request.Countries,
		ResultsCount: run.CacheHits + admitted,
		SearchedAt:   time.Now(),
	}
	if err := s.store.LogSearch(ctx, record); err != nil {
		s.logger.Warn("failed to log search", zap.String("individual", run.Request.Individual), zap.Error(err))
	}
}
