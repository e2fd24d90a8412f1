package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"marijobs-go/internal/cache"
	"marijobs-go/internal/models"
	"marijobs-go/internal/review"
	"marijobs-go/internal/scraper"
	"marijobs-go/internal/storage"
)

// runLockTTL bounds how long a crashed process keeps an individual locked.
const runLockTTL = time.Hour

type runProgress struct {
	Phase     int
	Remaining int
	Total     int
}

type activeRun struct {
	ctx      context.Context
	cancel   context.CancelFunc
	progress runProgress
}

func (e *Engine) request(sess *models.Session) models.SearchRequest {
	return models.SearchRequest{
		Individual: sess.Individual,
		Terms:      append([]string(nil), sess.Terms...),
		Countries:  append([]string(nil), sess.Countries...),
		RemoteOnly: sess.RemoteOnly,
		Privileged: e.cfg.IsPrivileged(sess.Phone),
	}
}

func (e *Engine) running(individual string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[individual] != nil
}

func (e *Engine) current(individual string, r *activeRun) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[individual] == r && r.ctx.Err() == nil
}

func (e *Engine) progress(individual string) *runProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.runs[individual]
	if r == nil {
		return nil
	}
	p := r.progress
	return &p
}

// acquire takes the cross-process search lock. It reports false, after
// telling the individual, when another run holds it.
func (e *Engine) acquire(t *turn) (bool, error) {
	err := e.locker.Acquire(t.ctx, t.individual(), runLockTTL)
	if errors.Is(err, cache.ErrLocked) {
		e.say(t, msgSearchRunning)
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "acquire search lock")
	}
	return true, nil
}

func (e *Engine) release(individual string) {
	if err := e.locker.Release(context.Background(), individual); err != nil {
		e.logger.Warn("release search lock failed", zap.String("individual", individual), zap.Error(err))
	}
}

// startSearch serves the cache hits, then launches a run for the pairings
// that must be fetched.
func (e *Engine) startSearch(t *turn) error {
	sess := t.sess
	if len(sess.Countries) == 0 {
		t.toast = msgNoCountry
		return nil
	}
	if e.running(t.individual()) {
		t.toast = msgSearchRunning
		return nil
	}
	ok, err := e.acquire(t)
	if err != nil || !ok {
		return err
	}
	launched := false
	defer func() {
		if !launched {
			e.release(t.individual())
		}
	}()

	req := e.request(sess)
	gate, err := e.gate.Evaluate(t.ctx, req)
	if err != nil {
		return errors.Wrap(err, "evaluate freshness")
	}
	if err := e.queue.Discard(t.ctx, t.individual()); err != nil {
		return errors.Wrap(err, "discard queue")
	}
	hits, err := e.queue.Enqueue(t.ctx, t.individual(), gate.Fresh, 0)
	if err != nil {
		return errors.Wrap(err, "enqueue cache hits")
	}

	sess.Phase = 1
	sess.PendingPairings = gate.MustFetch
	sess.SearchDone = false
	sess.CurrentJobID = ""
	sess.Delivered = 0
	sess.Discarded = 0
	sess.Step = models.StepSearching

	text := fmt.Sprintf("🔎 Searching <b>%s</b> in %s", joinTerms(sess.Terms), e.countryList(sess.Countries))
	if sess.RemoteOnly {
		text += " (remote only)"
	}
	text += "..."
	if hits > 0 {
		text += fmt.Sprintf("\n⚡ %d job(s) found in the last searches.", hits)
	}
	e.reply(t, Message{Text: text, EditMessageID: t.ev.MessageID})

	e.launch(t.individual(), &scraper.Run{
		Request:   req,
		MustFetch: gate.MustFetch,
		Phase:     1,
		CacheHits: hits,
	})
	launched = true

	e.logger.Info("search started",
		zap.String("individual", t.individual()),
		zap.Strings("terms", req.Terms),
		zap.Strings("countries", req.Countries),
		zap.Int("cache_hits", hits),
		zap.Int("must_fetch", len(gate.MustFetch)))

	if hits > 0 {
		return e.showNext(t)
	}
	return nil
}

func (e *Engine) countryList(values []string) string {
	labels := make([]string, len(values))
	for i, v := range values {
		labels[i] = e.cfg.CountryLabel(v)
	}
	return strings.Join(labels, ", ")
}

// resumeRun restarts an interrupted run from its persisted phase.
func (e *Engine) resumeRun(t *turn) error {
	ok, err := e.acquire(t)
	if err != nil || !ok {
		return err
	}
	sess := t.sess
	e.launch(t.individual(), &scraper.Run{
		Request:   e.request(sess),
		MustFetch: append([]models.Pairing(nil), sess.PendingPairings...),
		Phase:     sess.Phase,
	})
	e.logger.Info("search resumed", zap.String("individual", t.individual()), zap.Int("phase", sess.Phase))
	return nil
}

// launch starts the run goroutine. The caller holds the search lock, which
// the run releases when it ends.
func (e *Engine) launch(individual string, run *scraper.Run) {
	ctx, cancel := context.WithCancel(e.base)
	r := &activeRun{ctx: ctx, cancel: cancel, progress: runProgress{Phase: run.Phase}}
	e.mu.Lock()
	e.runs[individual] = r
	e.mu.Unlock()

	run.Queue = &guardedQueue{e: e, run: r}
	listener := &runListener{e: e, individual: individual, run: r}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		outcome, err := e.sequencer.Run(ctx, run, listener)
		e.finish(individual, r, outcome, err)
	}()
}

// detach forgets r if it is still the individual's run and reports whether
// it was.
func (e *Engine) detach(individual string, r *activeRun) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs[individual] != r {
		return false
	}
	delete(e.runs, individual)
	return true
}

// cancelRun stops the individual's run, if any, without waiting for it.
func (e *Engine) cancelRun(individual string) {
	e.mu.Lock()
	r := e.runs[individual]
	delete(e.runs, individual)
	e.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	e.release(individual)
	e.logger.Info("search cancelled", zap.String("individual", individual))
}

// stopRun cancels the run and forgets the queue and the run state.
func (e *Engine) stopRun(t *turn) error {
	e.cancelRun(t.individual())
	if err := e.queue.Discard(t.ctx, t.individual()); err != nil {
		return errors.Wrap(err, "discard queue")
	}
	sess := t.sess
	sess.Phase = 0
	sess.PendingPairings = nil
	sess.SearchDone = false
	sess.CurrentJobID = ""
	sess.Delivered = 0
	sess.Discarded = 0
	return nil
}

func (e *Engine) finish(individual string, r *activeRun, outcome scraper.Outcome, runErr error) {
	if !e.detach(individual, r) {
		return
	}
	e.release(individual)
	if outcome.Cancelled || r.ctx.Err() != nil {
		return
	}

	log := e.logger.With(zap.String("individual", individual))
	if runErr != nil {
		log.Error("search run failed", zap.Int("admitted", outcome.Admitted), zap.Error(runErr))
	} else {
		log.Info("search run finished",
			zap.Int("admitted", outcome.Admitted),
			zap.Int("queries", outcome.Queries),
			zap.Int("last_phase", outcome.LastPhase))
	}

	err := e.withSession(context.Background(), individual, func(t *turn) error {
		// A newer run owns the session now.
		if e.running(individual) {
			return errSkip
		}
		sess := t.sess
		if runErr != nil {
			e.say(t, msgSearchFailed)
			if sess.Step == models.StepSearching {
				sess.Step = models.StepIdle
			}
			return nil
		}
		sess.SearchDone = true
		sess.PendingPairings = nil
		if sess.Step == models.StepSearching {
			return e.showNext(t)
		}
		return nil
	})
	if err != nil {
		log.Error("failed to finish search run", zap.Error(err))
	}
}

var errSkip = errors.New("nothing to save")

// withSession runs fn on the stored session under the individual's lock and
// saves the result unless fn returns errSkip.
func (e *Engine) withSession(ctx context.Context, individual string, fn func(t *turn) error) error {
	unlock := e.lock(individual)
	defer unlock()
	sess, err := e.loadSession(ctx, individual)
	if err != nil {
		return err
	}
	t := &turn{ctx: ctx, sess: sess}
	if err := fn(t); err != nil {
		if errors.Is(err, errSkip) {
			return nil
		}
		e.untake(t)
		return err
	}
	if err := e.saveSession(ctx, sess); err != nil {
		e.untake(t)
		return err
	}
	return nil
}

// guardedQueue admits run results under the individual's lock, so a run
// cancelled by an event can never refill the queue that event discarded.
type guardedQueue struct {
	e   *Engine
	run *activeRun
}

func (g *guardedQueue) Enqueue(ctx context.Context, individual string, jobs []models.Job, phase int) (int, error) {
	unlock := g.e.lock(individual)
	defer unlock()
	if !g.e.current(individual, g.run) {
		return 0, context.Canceled
	}
	return g.e.queue.Enqueue(ctx, individual, jobs, phase)
}

// runListener moves the conversation along as the run makes progress.
type runListener struct {
	e          *Engine
	individual string
	run        *activeRun
}

func (l *runListener) JobsAdmitted(ctx context.Context, phase, added int) {
	err := l.e.withSession(context.WithoutCancel(ctx), l.individual, func(t *turn) error {
		if !l.e.current(l.individual, l.run) || t.sess.Step != models.StepSearching {
			return errSkip
		}
		return l.e.showNext(t)
	})
	if err != nil {
		l.e.logger.Error("failed to deliver admitted jobs",
			zap.String("individual", l.individual), zap.Int("phase", phase), zap.Error(err))
	}
}

func (l *runListener) Progress(_ context.Context, phase, remaining, total int) {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	l.run.progress = runProgress{Phase: phase, Remaining: remaining, Total: total}
}

func (l *runListener) PhaseDone(ctx context.Context, phase, admitted int) error {
	return l.e.withSession(context.WithoutCancel(ctx), l.individual, func(t *turn) error {
		if !l.e.current(l.individual, l.run) {
			return errSkip
		}
		sess := t.sess
		sess.Phase = phase + 1
		if e := l.e; e.cfg.IsPrivileged(sess.Phone) && phase < scraper.MaxPhase {
			e.say(t, fmt.Sprintf("✅ Phase %d/%d finished: %d new job(s). Searching more sources...",
				phase, scraper.MaxPhase, admitted))
		}
		return nil
	})
}

// cardPending reports whether the card last shown still waits for a vote.
func (e *Engine) cardPending(t *turn) (bool, error) {
	id := t.sess.CurrentJobID
	if id == "" {
		return false, nil
	}
	_, err := e.store.GetVote(t.ctx, t.individual(), id)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return false, errors.Wrap(err, "load vote")
	}
	if _, err := e.store.GetJob(t.ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "load job")
	}
	return true, nil
}

// deliver shows the pending card again, or the next one.
func (e *Engine) deliver(t *turn) error {
	pending, err := e.cardPending(t)
	if err != nil {
		return err
	}
	if !pending {
		return e.showNext(t)
	}
	job, err := e.store.GetJob(t.ctx, t.sess.CurrentJobID)
	if err != nil {
		return errors.Wrap(err, "load job")
	}
	card, err := e.review.Present(t.ctx, t.individual(), job, e.access(t.sess))
	if err != nil {
		return err
	}
	t.sess.Step = models.StepReviewing
	e.showCard(t, card)
	return nil
}

// showNext pops queued jobs until one is worth showing. With nothing left
// the conversation waits for the run, or goes idle once the run is over.
func (e *Engine) showNext(t *turn) error {
	sess := t.sess
	access := e.access(sess)
	for {
		d, ok, err := e.queue.Take(t.ctx, t.individual())
		if err != nil {
			return errors.Wrap(err, "next job")
		}
		if !ok {
			break
		}
		t.taken = append(t.taken, d.Entry)
		job := d.Job
		card, err := e.review.Present(t.ctx, t.individual(), job, access)
		if err != nil {
			return err
		}
		if card.BelowThreshold && e.cfg.OpenRouter.DiscardBelowMin {
			sess.Discarded++
			e.say(t, renderDiscarded(card))
			continue
		}
		e.noticeNoAI(t, access)
		sess.Delivered++
		sess.CurrentJobID = job.ID
		sess.Step = models.StepReviewing
		e.showCard(t, card)
		return nil
	}

	sess.CurrentJobID = ""
	if e.running(t.individual()) {
		sess.Step = models.StepSearching
		e.say(t, msgSearchWait)
		return nil
	}
	sess.Step = models.StepIdle
	if sess.Resumable() {
		e.say(t, "No more jobs for now. Send /start to resume the search.")
		return nil
	}
	e.reply(t, Message{Text: renderAllDone(sess.Delivered, sess.Discarded), Keyboard: newSearchKeyboard()})
	return nil
}

func (e *Engine) showCard(t *turn, card review.Card) {
	remaining, err := e.queue.Len(t.ctx, t.individual())
	if err != nil {
		e.logger.Warn("queue length unavailable", zap.String("individual", t.individual()), zap.Error(err))
	}
	position := t.sess.Delivered
	if position < 1 {
		position = 1
	}
	e.reply(t, Message{
		Text:           renderCard(card, position, position+remaining),
		Keyboard:       voteKeyboard(card.Job.ID),
		DisablePreview: true,
	})
}

func (e *Engine) noticeNoAI(t *turn, access review.Access) {
	if access.AICapable() || t.sess.NoAINotified {
		return
	}
	t.sess.NoAINotified = true
	e.say(t, msgNoAI)
}
