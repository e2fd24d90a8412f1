// Package tracker follows an individual's application for a job they marked
// relevant, and keeps the interview log.
package tracker

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"marijobs-go/internal/cache"
	"marijobs-go/internal/models"
	"marijobs-go/internal/storage"
)

// ErrNoRelevantVote is returned for jobs the individual has not voted relevant.
var ErrNoRelevantVote = errors.New("tracker: job is not marked relevant")

// ValidationError wraps a user-facing validation message.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

type Store interface {
	storage.VoteStore
	storage.ApplicationStore
	storage.InterviewStore
}

type Tracker struct {
	store  Store
	events cache.Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewTracker(store Store, events cache.Publisher, logger *zap.Logger) *Tracker {
	if events == nil {
		events = cache.NopPublisher{}
	}
	return &Tracker{store: store, events: events, logger: logger, now: time.Now}
}

// RequestTransition moves the application to stage. Any stage may follow any
// other; the first transition creates the application.
func (t *Tracker) RequestTransition(ctx context.Context, individual, jobID string, stage models.Stage) (models.Application, error) {
	if _, ok := models.ParseStage(string(stage)); !ok {
		return models.Application{}, &ValidationError{Msg: "unknown stage " + string(stage)}
	}
	if err := t.requireRelevant(ctx, individual, jobID); err != nil {
		return models.Application{}, err
	}

	now := t.now()
	app, err := t.store.GetApplication(ctx, individual, jobID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		app = models.Application{Individual: individual, JobID: jobID, CreatedAt: now}
	case err != nil:
		return models.Application{}, errors.Wrap(err, "load application")
	}

	from := app.Stage
	app.Stage = stage
	app.UpdatedAt = now
	app.History = append(app.History, models.StageChange{From: from, To: stage, At: now})
	if err := t.store.SaveApplication(ctx, app); err != nil {
		return models.Application{}, errors.Wrap(err, "save application")
	}

	event := cache.Event{
		Type:       cache.EventStageChanged,
		Individual: individual,
		JobID:      jobID,
		From:       from,
		To:         stage,
		At:         now,
	}
	if err := t.events.Publish(ctx, event); err != nil {
		t.logger.Warn("publish stage change failed", zap.String("job_id", jobID), zap.Error(err))
	}
	return app, nil
}

// Application returns the tracked application; storage.ErrNotFound when the
// individual never moved it.
func (t *Tracker) Application(ctx context.Context, individual, jobID string) (models.Application, error) {
	app, err := t.store.GetApplication(ctx, individual, jobID)
	if err != nil {
		return models.Application{}, errors.Wrap(err, "load application")
	}
	return app, nil
}

// LogInterview records one interview entry for a relevant job.
func (t *Tracker) LogInterview(ctx context.Context, individual, jobID string, iv models.Interview) error {
	if iv.Rating < 1 || iv.Rating > 5 {
		return &ValidationError{Msg: "rating must be between 1 and 5"}
	}
	currency, err := NormalizeCurrency(iv.Currency)
	if err != nil {
		return err
	}
	if err := t.requireRelevant(ctx, individual, jobID); err != nil {
		return err
	}

	iv.Individual = individual
	iv.JobID = jobID
	iv.Currency = currency
	iv.Salary = strings.TrimSpace(iv.Salary)
	iv.Stages = strings.TrimSpace(iv.Stages)
	iv.Notes = strings.TrimSpace(iv.Notes)
	iv.CreatedAt = t.now()
	return errors.Wrap(t.store.AddInterview(ctx, iv), "save interview")
}

// Summary aggregates every individual's interview entries for a job.
func (t *Tracker) Summary(ctx context.Context, jobID string) (models.InterviewSummary, error) {
	interviews, err := t.store.InterviewsForJob(ctx, jobID)
	if err != nil {
		return models.InterviewSummary{}, errors.Wrap(err, "load interviews")
	}
	return models.SummarizeInterviews(interviews), nil
}

// NormalizeCurrency upper-cases a three letter code; empty stays empty.
func NormalizeCurrency(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	if len(s) != 3 {
		return "", &ValidationError{Msg: "currency must be a 3 letter code like EUR"}
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return "", &ValidationError{Msg: "currency must be a 3 letter code like EUR"}
		}
	}
	return s, nil
}

func (t *Tracker) requireRelevant(ctx context.Context, individual, jobID string) error {
	vote, err := t.store.GetVote(ctx, individual, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoRelevantVote
	}
	if err != nil {
		return errors.Wrap(err, "load vote")
	}
	if vote.Verdict != models.VerdictRelevant {
		return ErrNoRelevantVote
	}
	return nil
}
