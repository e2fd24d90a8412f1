package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"marijobs-go/internal/models"
)

type pairKey struct {
	individual string
	jobID      string
}

// MemoryStore keeps every entity in process memory. It backs tests and the
// CLI's --memory mode.
type MemoryStore struct {
	mu sync.RWMutex

	jobs       map[string]*models.Job // by ID
	byURL      map[string]string
	votes      map[pairKey]models.Vote
	reviews    map[pairKey]models.Review
	sessions   map[string]*models.Session
	queues     map[string][]models.QueueEntry
	apps       map[pairKey]models.Application
	interviews []models.Interview
	feedback   []models.Feedback
	searches   []models.SearchRecord
	seq        int64

	// Now is the store clock; tests replace it.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		byURL:    make(map[string]string),
		votes:    make(map[pairKey]models.Vote),
		reviews:  make(map[pairKey]models.Review),
		sessions: make(map[string]*models.Session),
		queues:   make(map[string][]models.QueueEntry),
		apps:     make(map[pairKey]models.Application),
		Now:      time.Now,
	}
}

func (m *MemoryStore) UpsertJob(_ context.Context, job models.Job, individual string) (UpsertResult, error) {
	job, err := prepareJob(job)
	if err != nil {
		return UpsertResult{}, err
	}
	now := m.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byURL[job.URL]; ok {
		existing := m.jobs[id]
		existing.LastSeen = now
		existing.Active = true
		if individual != "" && !contains(existing.FoundBy, individual) {
			existing.FoundBy = append(existing.FoundBy, individual)
		}
		return UpsertResult{JobID: id, Inserted: false}, nil
	}

	job.FirstSeen = now
	job.LastSeen = now
	job.Active = true
	job.FoundBy = nil
	if individual != "" {
		job.FoundBy = []string{individual}
	}
	m.jobs[job.ID] = &job
	m.byURL[job.URL] = job.ID
	return UpsertResult{JobID: job.ID, Inserted: true}, nil
}

func (m *MemoryStore) FindFresh(_ context.Context, terms, countries []string, window time.Duration) ([]models.Job, error) {
	terms = lowerAll(terms)
	countries = lowerAll(countries)
	cutoff := m.Now().Add(-window)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Job
	for _, job := range m.jobs {
		if !job.Active || job.LastSeen.Before(cutoff) {
			continue
		}
		if len(countries) > 0 && !contains(countries, job.Country) {
			continue
		}
		if !matchesAny(*job, terms) {
			continue
		}
		out = append(out, cloneJob(*job))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(*job), nil
}

func (m *MemoryStore) ExpireJobs(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	protected := make(map[string]bool)
	for _, iv := range m.interviews {
		protected[iv.JobID] = true
	}
	expired := 0
	for id, job := range m.jobs {
		if job.Active && job.LastSeen.Before(before) && !protected[id] {
			job.Active = false
			expired++
		}
	}
	return expired, nil
}

func (m *MemoryStore) SaveVote(_ context.Context, vote models.Vote) error {
	if vote.VotedAt.IsZero() {
		vote.VotedAt = m.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes[pairKey{vote.Individual, vote.JobID}] = vote
	return nil
}

func (m *MemoryStore) GetVote(_ context.Context, individual, jobID string) (models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vote, ok := m.votes[pairKey{individual, jobID}]
	if !ok {
		return models.Vote{}, ErrNotFound
	}
	return vote, nil
}

func (m *MemoryStore) VotedJobIDs(_ context.Context, individual string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make(map[string]bool)
	for key := range m.votes {
		if key.individual == individual {
			ids[key.jobID] = true
		}
	}
	return ids, nil
}

func (m *MemoryStore) VoteSummary(_ context.Context, jobID string) (models.VoteSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var summary models.VoteSummary
	for key, vote := range m.votes {
		if key.jobID != jobID {
			continue
		}
		summary.Total++
		if vote.Verdict == models.VerdictRelevant {
			summary.Up++
		} else {
			summary.Down++
		}
	}
	return summary, nil
}

func (m *MemoryStore) History(_ context.Context, individual string, offset, limit int) ([]models.HistoryItem, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []models.HistoryItem
	for key, vote := range m.votes {
		if key.individual != individual {
			continue
		}
		job, ok := m.jobs[key.jobID]
		if !ok {
			continue
		}
		item := models.HistoryItem{Job: cloneJob(*job), Verdict: vote.Verdict, VotedAt: vote.VotedAt}
		if app, ok := m.apps[key]; ok {
			item.Stage = app.Stage
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].VotedAt.Equal(items[j].VotedAt) {
			return items[i].Job.ID < items[j].Job.ID
		}
		return items[i].VotedAt.After(items[j].VotedAt)
	})

	total := len(items)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (m *MemoryStore) GetReview(_ context.Context, individual, jobID string) (models.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	review, ok := m.reviews[pairKey{individual, jobID}]
	if !ok {
		return models.Review{}, ErrNotFound
	}
	return review, nil
}

// SaveReview keeps the first review of a pair; later saves are ignored.
func (m *MemoryStore) SaveReview(_ context.Context, review models.Review) error {
	if review.ReviewedAt.IsZero() {
		review.ReviewedAt = m.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{review.Individual, review.JobID}
	if _, ok := m.reviews[key]; ok {
		return nil
	}
	m.reviews[key] = review
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, individual string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[individual]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

func (m *MemoryStore) SaveSession(_ context.Context, session *models.Session) error {
	now := m.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := session.Clone()
	if existing, ok := m.sessions[session.Individual]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.sessions[session.Individual] = stored
	return nil
}

func (m *MemoryStore) PushQueue(_ context.Context, individual string, entries []models.QueueEntry) (int, error) {
	now := m.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.queues[individual]
	queued := make(map[string]bool, len(queue))
	for _, e := range queue {
		queued[e.JobID] = true
	}
	added := 0
	for _, e := range entries {
		if queued[e.JobID] {
			continue
		}
		m.seq++
		e.Seq = m.seq
		e.Individual = individual
		if e.EnqueuedAt.IsZero() {
			e.EnqueuedAt = now
		}
		queue = append(queue, e)
		queued[e.JobID] = true
		added++
	}
	m.queues[individual] = queue
	return added, nil
}

func (m *MemoryStore) PopQueue(_ context.Context, individual string) (models.QueueEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.queues[individual]
	if len(queue) == 0 {
		return models.QueueEntry{}, false, nil
	}
	head := queue[0]
	m.queues[individual] = queue[1:]
	return head, true, nil
}

func (m *MemoryStore) RestoreQueue(_ context.Context, individual string, entries []models.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := append([]models.QueueEntry(nil), m.queues[individual]...)
	queued := make(map[string]bool, len(queue))
	for _, e := range queue {
		queued[e.JobID] = true
	}
	for _, e := range entries {
		if queued[e.JobID] {
			continue
		}
		e.Individual = individual
		queue = append(queue, e)
		queued[e.JobID] = true
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].Seq < queue[j].Seq })
	m.queues[individual] = queue
	return nil
}

func (m *MemoryStore) ClearQueue(_ context.Context, individual string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, individual)
	return nil
}

func (m *MemoryStore) QueueLen(_ context.Context, individual string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues[individual]), nil
}

func (m *MemoryStore) GetApplication(_ context.Context, individual, jobID string) (models.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[pairKey{individual, jobID}]
	if !ok {
		return models.Application{}, ErrNotFound
	}
	app.History = append([]models.StageChange(nil), app.History...)
	return app, nil
}

func (m *MemoryStore) SaveApplication(_ context.Context, app models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app.History = append([]models.StageChange(nil), app.History...)
	m.apps[pairKey{app.Individual, app.JobID}] = app
	return nil
}

func (m *MemoryStore) AddInterview(_ context.Context, interview models.Interview) error {
	if interview.CreatedAt.IsZero() {
		interview.CreatedAt = m.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interviews = append(m.interviews, interview)
	return nil
}

func (m *MemoryStore) InterviewsForJob(_ context.Context, jobID string) ([]models.Interview, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Interview
	for _, iv := range m.interviews {
		if iv.JobID == jobID {
			out = append(out, iv)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveFeedback(_ context.Context, feedback models.Feedback) error {
	if feedback.CreatedAt.IsZero() {
		feedback.CreatedAt = m.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, feedback)
	return nil
}

func (m *MemoryStore) LogSearch(_ context.Context, record models.SearchRecord) error {
	if record.SearchedAt.IsZero() {
		record.SearchedAt = m.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches = append(m.searches, record)
	return nil
}

// Searches returns the logged search runs, oldest first.
func (m *MemoryStore) Searches() []models.SearchRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.SearchRecord(nil), m.searches...)
}

// JobCount returns the number of stored jobs, active or not.
func (m *MemoryStore) JobCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

func (m *MemoryStore) Close() error { return nil }

func matchesAny(job models.Job, terms []string) bool {
	for _, term := range terms {
		if job.MatchesTerm(term) {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func cloneJob(job models.Job) models.Job {
	job.FoundBy = append([]string(nil), job.FoundBy...)
	return job
}
