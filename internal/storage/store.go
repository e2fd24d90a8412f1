package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"marijobs-go/internal/models"
)

// ErrNotFound is returned by lookups for a key that has no row.
var ErrNotFound = errors.New("storage: not found")

// UpsertResult tells the caller whether the listing was new to the store or
// only refreshed an existing row.
type UpsertResult struct {
	JobID    string
	Inserted bool
}

type JobStore interface {
	// UpsertJob writes a listing keyed by its normalized URL. A second write of
	// the same URL refreshes LastSeen and adds individual to FoundBy.
	UpsertJob(ctx context.Context, job models.Job, individual string) (UpsertResult, error)
	// FindFresh returns active jobs seen within window whose title or
	// description contains any of terms and whose country is one of countries.
	FindFresh(ctx context.Context, terms, countries []string, window time.Duration) ([]models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	// ExpireJobs deactivates jobs last seen before the cutoff, keeping any job
	// that has interview entries. It returns how many jobs were deactivated.
	ExpireJobs(ctx context.Context, before time.Time) (int, error)
}

type VoteStore interface {
	SaveVote(ctx context.Context, vote models.Vote) error
	GetVote(ctx context.Context, individual, jobID string) (models.Vote, error)
	VotedJobIDs(ctx context.Context, individual string) (map[string]bool, error)
	VoteSummary(ctx context.Context, jobID string) (models.VoteSummary, error)
	// History returns one page of the individual's votes, newest first, and the
	// total number of votes.
	History(ctx context.Context, individual string, offset, limit int) ([]models.HistoryItem, int, error)
}

type ReviewStore interface {
	GetReview(ctx context.Context, individual, jobID string) (models.Review, error)
	SaveReview(ctx context.Context, review models.Review) error
}

type SessionStore interface {
	GetSession(ctx context.Context, individual string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
}

type QueueStore interface {
	// PushQueue appends entries in order, skipping jobs already queued for the
	// individual, and returns how many were added.
	PushQueue(ctx context.Context, individual string, entries []models.QueueEntry) (int, error)
	PopQueue(ctx context.Context, individual string) (models.QueueEntry, bool, error)
	// RestoreQueue puts popped entries back at their original position.
	RestoreQueue(ctx context.Context, individual string, entries []models.QueueEntry) error
	ClearQueue(ctx context.Context, individual string) error
	QueueLen(ctx context.Context, individual string) (int, error)
}

type ApplicationStore interface {
	GetApplication(ctx context.Context, individual, jobID string) (models.Application, error)
	SaveApplication(ctx context.Context, app models.Application) error
}

type InterviewStore interface {
	AddInterview(ctx context.Context, interview models.Interview) error
	InterviewsForJob(ctx context.Context, jobID string) ([]models.Interview, error)
}

type FeedbackStore interface {
	SaveFeedback(ctx context.Context, feedback models.Feedback) error
}

type SearchLog interface {
	LogSearch(ctx context.Context, record models.SearchRecord) error
}

// Store is every persisted entity behind one handle.
type Store interface {
	JobStore
	VoteStore
	ReviewStore
	SessionStore
	QueueStore
	ApplicationStore
	InterviewStore
	FeedbackStore
	SearchLog
	Close() error
}

// ExcludeVoted drops the jobs the individual has already voted on, keeping order.
func ExcludeVoted(ctx context.Context, votes VoteStore, individual string, jobs []models.Job) ([]models.Job, error) {
	if len(jobs) == 0 {
		return jobs, nil
	}
	voted, err := votes.VotedJobIDs(ctx, individual)
	if err != nil {
		return nil, errors.Wrap(err, "load voted jobs")
	}
	out := make([]models.Job, 0, len(jobs))
	for _, job := range jobs {
		if !voted[job.ID] {
			out = append(out, job)
		}
	}
	return out, nil
}
