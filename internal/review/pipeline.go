// Package review assembles the job card an individual votes on and records
// the vote.
package review

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"marijobs-go/internal/ai"
	"marijobs-go/internal/models"
	"marijobs-go/internal/storage"
)

// Reviewer scores one job against a résumé.
type Reviewer interface {
	Review(ctx context.Context, req ai.Request) (ai.Assessment, error)
}

// Store is the subset of storage the pipeline reads and writes.
type Store interface {
	storage.ReviewStore
	storage.VoteStore
	storage.InterviewStore
	storage.FeedbackStore
}

// Access is what the individual brings to an AI review. APIKey is already
// resolved, so privileged individuals carry the shared key here.
type Access struct {
	APIKey string
	Model  string
	Resume string
}

// AICapable reports whether a review can be attempted at all.
func (a Access) AICapable() bool {
	return a.APIKey != "" && strings.TrimSpace(a.Resume) != ""
}

// Card is everything shown for one delivered job.
type Card struct {
	Job      models.Job
	Reviewed bool
	Score    int
	Verdict  string
	Reason   string
	Message  string
	// Excerpt replaces the review when there is none.
	Excerpt string
	// AIFailed marks a card that fell back to the excerpt after a failed call.
	AIFailed bool
	// BelowThreshold marks reviewed cards scored under the minimum.
	BelowThreshold bool

	Votes      models.VoteSummary
	Interviews models.InterviewSummary
}

type Config struct {
	MinScore      int
	ExcerptLength int
}

// Pipeline is the sole writer of votes and the owner of the review cache.
type Pipeline struct {
	store    Store
	reviewer Reviewer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewPipeline(store Store, reviewer Reviewer, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.ExcerptLength <= 0 {
		cfg.ExcerptLength = 500
	}
	return &Pipeline{store: store, reviewer: reviewer, cfg: cfg, logger: logger, now: time.Now}
}

// Present builds the card for job. With AI access it uses the cached review
// or asks the reviewer and caches the answer; a failed call degrades this
// card to an excerpt without caching anything.
func (p *Pipeline) Present(ctx context.Context, individual string, job models.Job, access Access) (Card, error) {
	card := Card{Job: job}
	p.decorate(ctx, &card)

	if !access.AICapable() || p.reviewer == nil {
		card.Excerpt = Excerpt(job.Description, p.cfg.ExcerptLength)
		return card, nil
	}

	cached, err := p.store.GetReview(ctx, individual, job.ID)
	switch {
	case err == nil:
		p.applyReview(&card, cached)
		return card, nil
	case !errors.Is(err, storage.ErrNotFound):
		return Card{}, errors.Wrap(err, "load cached review")
	}

	assessment, err := p.reviewer.Review(ctx, ai.Request{
		APIKey: access.APIKey,
		Model:  access.Model,
		Resume: access.Resume,
		Job:    job,
	})
	if err != nil {
		p.logger.Warn("ai review failed, showing excerpt",
			zap.String("individual", individual), zap.String("job_id", job.ID), zap.Error(err))
		card.AIFailed = true
		card.Excerpt = Excerpt(job.Description, p.cfg.ExcerptLength)
		return card, nil
	}

	rev := models.Review{
		Individual: individual,
		JobID:      job.ID,
		Score:      assessment.Score,
		Verdict:    assessment.Verdict,
		Reason:     assessment.Reason,
		ReviewedAt: p.now(),
	}
	if assessment.Score >= p.cfg.MinScore {
		rev.Message = assessment.Message
	}
	if err := p.store.SaveReview(ctx, rev); err != nil {
		p.logger.Warn("failed to cache review", zap.String("job_id", job.ID), zap.Error(err))
	}
	p.applyReview(&card, rev)
	return card, nil
}

func (p *Pipeline) applyReview(card *Card, rev models.Review) {
	card.Reviewed = true
	card.Score = rev.Score
	card.Verdict = rev.Verdict
	card.Reason = rev.Reason
	card.BelowThreshold = rev.Score < p.cfg.MinScore
	if !card.BelowThreshold {
		card.Message = rev.Message
	}
}

// decorate adds the crowd data. It is informational, so failures are logged.
func (p *Pipeline) decorate(ctx context.Context, card *Card) {
	votes, err := p.store.VoteSummary(ctx, card.Job.ID)
	if err != nil {
		p.logger.Warn("vote summary unavailable", zap.String("job_id", card.Job.ID), zap.Error(err))
	}
	card.Votes = votes

	interviews, err := p.store.InterviewsForJob(ctx, card.Job.ID)
	if err != nil {
		p.logger.Warn("interview summary unavailable", zap.String("job_id", card.Job.ID), zap.Error(err))
	}
	card.Interviews = models.SummarizeInterviews(interviews)
}

// RecordVote stores the verdict, replacing any earlier vote on the job.
func (p *Pipeline) RecordVote(ctx context.Context, individual, jobID string, verdict models.Verdict) error {
	if _, ok := models.ParseVerdict(string(verdict)); !ok {
		return errors.Newf("unknown verdict %q", verdict)
	}
	err := p.store.SaveVote(ctx, models.Vote{
		Individual: individual,
		JobID:      jobID,
		Verdict:    verdict,
		VotedAt:    p.now(),
	})
	return errors.Wrap(err, "save vote")
}

// SaveFeedback keeps the free text an individual sent after voting.
func (p *Pipeline) SaveFeedback(ctx context.Context, individual, jobID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty feedback")
	}
	err := p.store.SaveFeedback(ctx, models.Feedback{
		Individual: individual,
		JobID:      jobID,
		Text:       text,
		CreatedAt:  p.now(),
	})
	return errors.Wrap(err, "save feedback")
}

// Excerpt returns the first n characters of a description, with "..." when
// something was cut.
func Excerpt(description string, n int) string {
	description = strings.TrimSpace(description)
	r := []rune(description)
	if len(r) <= n {
		return description
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
