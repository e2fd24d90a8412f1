package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"marijobs-go/internal/models"
)

const jobColumns = `id, url, title, company, location, country, remote, description, source,
	date_posted, deadline, search_term, first_seen, last_seen, found_by, active`

// PostgresStore persists every entity in PostgreSQL, one table per entity.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns int, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 2)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}
	return NewPostgresStore(db, logger), nil
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger, now: time.Now}
}

// Migrate brings the schema up to date.
func (s *PostgresStore) Migrate(ctx context.Context) (int, error) {
	return NewMigrator(s.db, s.logger).Migrate(ctx, Migrations)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) UpsertJob(ctx context.Context, job models.Job, individual string) (UpsertResult, error) {
	job, err := prepareJob(job)
	if err != nil {
		return UpsertResult{}, err
	}
	now := s.now()
	foundBy := []string{}
	if individual != "" {
		foundBy = append(foundBy, individual)
	}

	var res UpsertResult
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13, $14, TRUE)
		ON CONFLICT (url) DO UPDATE SET last_seen = EXCLUDED.last_seen, active = TRUE
		RETURNING id, (xmax = 0) AS inserted`,
		job.ID, job.URL, job.Title, job.Company, job.Location, job.Country, job.Remote,
		job.Description, string(job.Source), job.DatePosted, job.Deadline, job.SearchTerm,
		now, pq.Array(foundBy),
	).Scan(&res.JobID, &res.Inserted)
	if err != nil {
		return UpsertResult{}, errors.Wrapf(err, "upsert job %s", job.URL)
	}

	if !res.Inserted && individual != "" {
		// found_by is analytics only; a failure here must not fail the upsert.
		if _, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET found_by = array_append(found_by, $2)
			WHERE id = $1 AND NOT ($2 = ANY(found_by))`,
			res.JobID, individual,
		); err != nil {
			s.logger.Warn("failed to record found_by",
				zap.String("job_id", res.JobID),
				zap.String("individual", individual),
				zap.Error(err))
		}
	}
	return res, nil
}

func (s *PostgresStore) FindFresh(ctx context.Context, terms, countries []string, window time.Duration) ([]models.Job, error) {
	terms = lowerAll(terms)
	if len(terms) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE active AND last_seen >= $1
		  AND (cardinality($2::text[]) = 0 OR lower(country) = ANY($2::text[]))
		  AND EXISTS (
		    SELECT 1 FROM unnest($3::text[]) AS t(term)
		    WHERE strpos(lower(title), t.term) > 0 OR strpos(lower(description), t.term) > 0
		  )
		ORDER BY last_seen DESC, first_seen ASC`,
		s.now().Add(-window), pq.Array(lowerAll(countries)), pq.Array(terms),
	)
	if err != nil {
		return nil, errors.Wrap(err, "find fresh jobs")
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "iterate fresh jobs")
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) ExpireJobs(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET active = FALSE
		WHERE active AND last_seen < $1
		  AND NOT EXISTS (SELECT 1 FROM interviews i WHERE i.job_id = jobs.id)`,
		before,
	)
	if err != nil {
		return 0, errors.Wrap(err, "expire jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "expire jobs rows affected")
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (models.Job, error) {
	var (
		job     models.Job
		source  string
		foundBy pq.StringArray
	)
	err := row.Scan(&job.ID, &job.URL, &job.Title, &job.Company, &job.Location, &job.Country,
		&job.Remote, &job.Description, &source, &job.DatePosted, &job.Deadline, &job.SearchTerm,
		&job.FirstSeen, &job.LastSeen, &foundBy, &job.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job, err
		}
		return job, errors.Wrap(err, "scan job")
	}
	job.Source = models.Source(source)
	job.FoundBy = []string(foundBy)
	return job, nil
}

func (s *PostgresStore) SaveVote(ctx context.Context, vote models.Vote) error {
	if vote.VotedAt.IsZero() {
		vote.VotedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (individual, job_id, verdict, voted_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (individual, job_id) DO UPDATE SET verdict = EXCLUDED.verdict, voted_at = EXCLUDED.voted_at`,
		vote.Individual, vote.JobID, string(vote.Verdict), vote.VotedAt,
	)
	return errors.Wrap(err, "save vote")
}

func (s *PostgresStore) GetVote(ctx context.Context, individual, jobID string) (models.Vote, error) {
	vote := models.Vote{Individual: individual, JobID: jobID}
	var verdict string
	err := s.db.QueryRowContext(ctx,
		`SELECT verdict, voted_at FROM votes WHERE individual = $1 AND job_id = $2`,
		individual, jobID,
	).Scan(&verdict, &vote.VotedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Vote{}, ErrNotFound
	}
	if err != nil {
		return models.Vote{}, errors.Wrap(err, "get vote")
	}
	vote.Verdict = models.Verdict(verdict)
	return vote, nil
}

func (s *PostgresStore) VotedJobIDs(ctx context.Context, individual string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id FROM votes WHERE individual = $1`, individual)
	if err != nil {
		return nil, errors.Wrap(err, "list voted jobs")
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan voted job")
		}
		ids[id] = true
	}
	return ids, errors.Wrap(rows.Err(), "iterate voted jobs")
}

func (s *PostgresStore) VoteSummary(ctx context.Context, jobID string) (models.VoteSummary, error) {
	var summary models.VoteSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FILTER (WHERE verdict = 'up'), count(*) FILTER (WHERE verdict = 'down'), count(*)
		FROM votes WHERE job_id = $1`, jobID,
	).Scan(&summary.Up, &summary.Down, &summary.Total)
	return summary, errors.Wrap(err, "vote summary")
}

func (s *PostgresStore) History(ctx context.Context, individual string, offset, limit int) ([]models.HistoryItem, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM votes v JOIN jobs j ON j.id = v.job_id WHERE v.individual = $1`,
		individual,
	).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count history")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT j.id, j.url, j.title, j.company, j.location, j.country, j.remote, j.description, j.source,
		       j.date_posted, j.deadline, j.search_term, j.first_seen, j.last_seen, j.found_by, j.active,
		       v.verdict, v.voted_at, COALESCE(a.stage, '')
		FROM votes v
		JOIN jobs j ON j.id = v.job_id
		LEFT JOIN applications a ON a.individual = v.individual AND a.job_id = v.job_id
		WHERE v.individual = $1
		ORDER BY v.voted_at DESC, j.id
		OFFSET $2 LIMIT $3`,
		individual, offset, limit,
	)
	if err != nil {
		return nil, 0, errors.Wrap(err, "load history")
	}
	defer rows.Close()

	var items []models.HistoryItem
	for rows.Next() {
		var (
			item           models.HistoryItem
			source         string
			foundBy        pq.StringArray
			verdict, stage string
		)
		j := &item.Job
		if err := rows.Scan(&j.ID, &j.URL, &j.Title, &j.Company, &j.Location, &j.Country, &j.Remote,
			&j.Description, &source, &j.DatePosted, &j.Deadline, &j.SearchTerm, &j.FirstSeen, &j.LastSeen,
			&foundBy, &j.Active, &verdict, &item.VotedAt, &stage); err != nil {
			return nil, 0, errors.Wrap(err, "scan history")
		}
		j.Source = models.Source(source)
		j.FoundBy = []string(foundBy)
		item.Verdict = models.Verdict(verdict)
		item.Stage = models.Stage(stage)
		items = append(items, item)
	}
	return items, total, errors.Wrap(rows.Err(), "iterate history")
}

func (s *PostgresStore) GetReview(ctx context.Context, individual, jobID string) (models.Review, error) {
	review := models.Review{Individual: individual, JobID: jobID}
	err := s.db.QueryRowContext(ctx, `
		SELECT score, verdict, reason, message, reviewed_at FROM reviews
		WHERE individual = $1 AND job_id = $2`, individual, jobID,
	).Scan(&review.Score, &review.Verdict, &review.Reason, &review.Message, &review.ReviewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Review{}, ErrNotFound
	}
	if err != nil {
		return models.Review{}, errors.Wrap(err, "get review")
	}
	return review, nil
}

func (s *PostgresStore) SaveReview(ctx context.Context, review models.Review) error {
	if review.ReviewedAt.IsZero() {
		review.ReviewedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (individual, job_id, score, verdict, reason, message, reviewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (individual, job_id) DO NOTHING`,
		review.Individual, review.JobID, review.Score, review.Verdict, review.Reason, review.Message, review.ReviewedAt,
	)
	return errors.Wrap(err, "save review")
}

func (s *PostgresStore) GetSession(ctx context.Context, individual string) (*models.Session, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE individual = $1`, individual).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get session")
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrapf(err, "decode session %s", individual)
	}
	return &session, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, session *models.Session) error {
	now := s.now()
	stored := session.Clone()
	stored.UpdatedAt = now
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (individual, data, created_at, updated_at) VALUES ($1, $2, $3, $3)
		ON CONFLICT (individual) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		session.Individual, data, now,
	)
	return errors.Wrap(err, "save session")
}

func (s *PostgresStore) PushQueue(ctx context.Context, individual string, entries []models.QueueEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin enqueue")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	added := 0
	for _, e := range entries {
		if e.EnqueuedAt.IsZero() {
			e.EnqueuedAt = now
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (individual, job_id, phase, enqueued_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (individual, job_id) DO NOTHING`,
			individual, e.JobID, e.Phase, e.EnqueuedAt,
		)
		if err != nil {
			return 0, errors.Wrapf(err, "enqueue job %s", e.JobID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit enqueue")
	}
	return added, nil
}

func (s *PostgresStore) PopQueue(ctx context.Context, individual string) (models.QueueEntry, bool, error) {
	entry := models.QueueEntry{Individual: individual}
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM queue_entries
		WHERE seq = (
		  SELECT seq FROM queue_entries WHERE individual = $1
		  ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING seq, job_id, phase, enqueued_at`, individual,
	).Scan(&entry.Seq, &entry.JobID, &entry.Phase, &entry.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueEntry{}, false, nil
	}
	if err != nil {
		return models.QueueEntry{}, false, errors.Wrap(err, "pop queue")
	}
	return entry, true, nil
}

// RestoreQueue reinserts entries under their original seq, which sorts them
// ahead of everything pushed since.
func (s *PostgresStore) RestoreQueue(ctx context.Context, individual string, entries []models.QueueEntry) error {
	for _, e := range entries {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO queue_entries (seq, individual, job_id, phase, enqueued_at) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			e.Seq, individual, e.JobID, e.Phase, e.EnqueuedAt,
		)
		if err != nil {
			return errors.Wrapf(err, "restore queued job %s", e.JobID)
		}
	}
	return nil
}

func (s *PostgresStore) ClearQueue(ctx context.Context, individual string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE individual = $1`, individual)
	return errors.Wrap(err, "clear queue")
}

func (s *PostgresStore) QueueLen(ctx context.Context, individual string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM queue_entries WHERE individual = $1`, individual).Scan(&n)
	return n, errors.Wrap(err, "queue length")
}

func (s *PostgresStore) GetApplication(ctx context.Context, individual, jobID string) (models.Application, error) {
	app := models.Application{Individual: individual, JobID: jobID}
	var (
		stage   string
		history []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT stage, history, created_at, updated_at FROM applications
		WHERE individual = $1 AND job_id = $2`, individual, jobID,
	).Scan(&stage, &history, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Application{}, ErrNotFound
	}
	if err != nil {
		return models.Application{}, errors.Wrap(err, "get application")
	}
	app.Stage = models.Stage(stage)
	if err := json.Unmarshal(history, &app.History); err != nil {
		return models.Application{}, errors.Wrap(err, "decode application history")
	}
	return app, nil
}

func (s *PostgresStore) SaveApplication(ctx context.Context, app models.Application) error {
	history, err := json.Marshal(app.History)
	if err != nil {
		return errors.Wrap(err, "encode application history")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO applications (individual, job_id, stage, history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (individual, job_id) DO UPDATE
		SET stage = EXCLUDED.stage, history = EXCLUDED.history, updated_at = EXCLUDED.updated_at`,
		app.Individual, app.JobID, string(app.Stage), history, app.CreatedAt, app.UpdatedAt,
	)
	return errors.Wrap(err, "save application")
}

func (s *PostgresStore) AddInterview(ctx context.Context, iv models.Interview) error {
	if iv.CreatedAt.IsZero() {
		iv.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interviews (individual, job_id, salary, currency, stages, rating, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		iv.Individual, iv.JobID, iv.Salary, iv.Currency, iv.Stages, iv.Rating, iv.Notes, iv.CreatedAt,
	)
	return errors.Wrap(err, "add interview")
}

func (s *PostgresStore) InterviewsForJob(ctx context.Context, jobID string) ([]models.Interview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT individual, job_id, salary, currency, stages, rating, notes, created_at
		FROM interviews WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "list interviews")
	}
	defer rows.Close()

	var out []models.Interview
	for rows.Next() {
		var iv models.Interview
		if err := rows.Scan(&iv.Individual, &iv.JobID, &iv.Salary, &iv.Currency, &iv.Stages,
			&iv.Rating, &iv.Notes, &iv.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan interview")
		}
		out = append(out, iv)
	}
	return out, errors.Wrap(rows.Err(), "iterate interviews")
}

func (s *PostgresStore) SaveFeedback(ctx context.Context, fb models.Feedback) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (individual, job_id, text, created_at) VALUES ($1, $2, $3, $4)`,
		fb.Individual, fb.JobID, fb.Text, fb.CreatedAt,
	)
	return errors.Wrap(err, "save feedback")
}

func (s *PostgresStore) LogSearch(ctx context.Context, rec models.SearchRecord) error {
	if rec.SearchedAt.IsZero() {
		rec.SearchedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO searches (individual, terms, countries, results_count, searched_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.Individual, pq.Array(rec.Terms), pq.Array(rec.Countries), rec.ResultsCount, rec.SearchedAt,
	)
	return errors.Wrap(err, "log search")
}
