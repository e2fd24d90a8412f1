// Package conversation drives each individual's dialog with the bot: the
// onboarding steps, search runs, job cards, votes and application tracking.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"marijobs-go/internal/cache"
	"marijobs-go/internal/config"
	"marijobs-go/internal/delivery"
	"marijobs-go/internal/models"
	"marijobs-go/internal/review"
	"marijobs-go/internal/scraper"
	"marijobs-go/internal/storage"
	"marijobs-go/internal/tracker"
)

// Store is what the engine reads and writes directly.
type Store interface {
	storage.SessionStore
	storage.VoteStore
	storage.JobStore
}

// Command is a bot command with its menu description.
type Command struct {
	Name        string
	Description string
}

// Commands is the command menu registered with the transport.
var Commands = []Command{
	{"start", "Start (uses saved profile if it exists)"},
	{"new", "Create profile from scratch"},
	{"terms", "Change search terms only"},
	{"cv", "Resend CV"},
	{"apikey", "Change OpenRouter API key"},
	{"model", "Change AI model"},
	{"interview", "Log interview experience"},
	{"history", "View voted jobs and track applications"},
	{"back", "Go back to previous step"},
	{"status", "View your current profile"},
	{"skip", "Discard pending jobs"},
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store     Store
	Gate      *scraper.Gate
	Sequencer *scraper.Sequencer
	Queue     *delivery.Queue
	Review    *review.Pipeline
	Tracker   *tracker.Tracker
	Locker    cache.Locker
	Files     Downloader
	Responder Responder
	Config    *config.Config
	Logger    *zap.Logger
}

// Engine handles inbound events. Events of one individual are serialized
// with the run goroutine of that individual; different individuals proceed
// in parallel.
type Engine struct {
	store     Store
	gate      *scraper.Gate
	sequencer *scraper.Sequencer
	queue     *delivery.Queue
	review    *review.Pipeline
	tracker   *tracker.Tracker
	locker    cache.Locker
	files     Downloader
	out       Responder
	cfg       *config.Config
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	runs  map[string]*activeRun

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewEngine(d Deps) *Engine {
	if d.Locker == nil {
		d.Locker = cache.NewMemoryLocker()
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		store:     d.Store,
		gate:      d.Gate,
		sequencer: d.Sequencer,
		queue:     d.Queue,
		review:    d.Review,
		tracker:   d.Tracker,
		locker:    d.Locker,
		files:     d.Files,
		out:       d.Responder,
		cfg:       d.Config,
		logger:    d.Logger,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
		runs:      make(map[string]*activeRun),
		base:      base,
		stop:      stop,
	}
}

// turn is the state of handling one event, or one run notification.
type turn struct {
	ctx  context.Context
	ev   Event
	sess *models.Session
	// toast answers the callback query that started the turn.
	toast string
	// taken are the queue entries popped during the turn.
	taken []models.QueueEntry
}

func (t *turn) individual() string { return t.sess.Individual }

// Handle processes one event. Whatever goes wrong has already been reported
// to the individual; the returned error is for logging.
func (e *Engine) Handle(ctx context.Context, ev Event) error {
	if ev.Individual == "" {
		return errors.New("event without individual")
	}
	unlock := e.lock(ev.Individual)
	defer unlock()

	sess, err := e.loadSession(ctx, ev.Individual)
	if err != nil {
		e.failed(ctx, ev, err)
		return err
	}
	if ev.Name != "" {
		sess.Name = ev.Name
	}

	t := &turn{ctx: ctx, ev: ev, sess: sess}
	err = e.dispatch(t)
	if ev.CallbackID != "" {
		if aerr := e.out.Answer(ctx, ev.CallbackID, t.toast); aerr != nil {
			e.logger.Debug("answer callback failed", zap.Error(aerr))
		}
	}
	if err == nil {
		err = e.saveSession(ctx, sess)
	}
	if err != nil {
		e.untake(t)
		e.failed(ctx, ev, err)
		return err
	}
	return nil
}

// untake puts back the jobs a failed turn popped, so the individual sees
// them again on retry.
func (e *Engine) untake(t *turn) {
	if len(t.taken) == 0 {
		return
	}
	if err := e.queue.Restore(context.WithoutCancel(t.ctx), t.individual(), t.taken); err != nil {
		e.logger.Error("failed to restore queued jobs",
			zap.String("individual", t.individual()), zap.Int("jobs", len(t.taken)), zap.Error(err))
	}
	t.taken = nil
}

func (e *Engine) failed(ctx context.Context, ev Event, err error) {
	e.logger.Error("event handling failed",
		zap.String("individual", ev.Individual),
		zap.String("callback", ev.Callback),
		zap.Error(err))
	e.send(ctx, ev.Individual, Message{Text: msgTryAgain})
}

func (e *Engine) dispatch(t *turn) error {
	switch {
	case t.ev.Callback != "":
		return e.onCallback(t)
	case t.ev.Document != nil:
		return e.onDocument(t)
	case t.ev.Contact != "":
		if t.sess.Step == models.StepAwaitingContact {
			return e.onPhone(t, t.ev.Contact)
		}
		return e.prompt(t)
	case strings.HasPrefix(strings.TrimSpace(t.ev.Text), "/"):
		return e.onCommand(t, parseCommand(t.ev.Text))
	default:
		return e.onText(t, strings.TrimSpace(t.ev.Text))
	}
}

// parseCommand turns "/start@SomeBot args" into "start".
func parseCommand(text string) string {
	cmd := strings.Fields(strings.TrimSpace(text))[0]
	cmd = strings.TrimPrefix(cmd, "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

func (e *Engine) lock(individual string) func() {
	e.mu.Lock()
	m, ok := e.locks[individual]
	if !ok {
		m = &sync.Mutex{}
		e.locks[individual] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (e *Engine) loadSession(ctx context.Context, individual string) (*models.Session, error) {
	sess, err := e.store.GetSession(ctx, individual)
	if errors.Is(err, storage.ErrNotFound) {
		sess = models.NewSession(individual)
		sess.CreatedAt = e.now()
		return sess, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load session")
	}
	return sess, nil
}

func (e *Engine) saveSession(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = e.now()
	return errors.Wrap(e.store.SaveSession(ctx, sess), "save session")
}

func (e *Engine) send(ctx context.Context, individual string, msg Message) {
	if err := e.out.Send(ctx, individual, msg); err != nil {
		e.logger.Warn("send failed", zap.String("individual", individual), zap.Error(err))
	}
}

func (e *Engine) reply(t *turn, msg Message) {
	e.send(t.ctx, t.individual(), msg)
}

func (e *Engine) say(t *turn, text string) {
	e.reply(t, Message{Text: text, DisablePreview: true})
}

// access resolves the AI credentials of an individual.
func (e *Engine) access(sess *models.Session) review.Access {
	if !e.cfg.OpenRouter.Enabled {
		return review.Access{}
	}
	key := sess.APIKey
	if e.cfg.IsPrivileged(sess.Phone) {
		key = e.cfg.OpenRouter.APIKey
	}
	return review.Access{APIKey: key, Model: sess.Model, Resume: sess.ResumeText}
}

func (e *Engine) model(sess *models.Session) string {
	if sess.Model != "" {
		return sess.Model
	}
	return e.cfg.OpenRouter.Model
}

// Shutdown cancels every run and waits for the run goroutines to exit.
// Cancelled runs stay resumable.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
