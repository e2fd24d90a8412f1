package storage

import (
	"context"
	"database/sql"
	"sort"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type Migration struct {
	Version     int
	Description string
	Up          string
}

// Migrations is the ordered schema history of the Postgres store.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "create jobs table",
		Up: `
			CREATE TABLE IF NOT EXISTS jobs (
				id          TEXT PRIMARY KEY,
				url         TEXT NOT NULL UNIQUE,
				title       TEXT NOT NULL DEFAULT '',
				company     TEXT NOT NULL DEFAULT '',
				location    TEXT NOT NULL DEFAULT '',
				country     TEXT NOT NULL DEFAULT '',
				remote      BOOLEAN NOT NULL DEFAULT FALSE,
				description TEXT NOT NULL DEFAULT '',
				source      TEXT NOT NULL,
				date_posted TEXT NOT NULL DEFAULT '',
				deadline    TEXT NOT NULL DEFAULT '',
				search_term TEXT NOT NULL DEFAULT '',
				first_seen  TIMESTAMPTZ NOT NULL,
				last_seen   TIMESTAMPTZ NOT NULL,
				found_by    TEXT[] NOT NULL DEFAULT '{}',
				active      BOOLEAN NOT NULL DEFAULT TRUE
			);
			CREATE INDEX IF NOT EXISTS jobs_fresh_idx ON jobs (lower(country), last_seen DESC) WHERE active;
		`,
	},
	{
		Version:     2,
		Description: "create votes and reviews tables",
		Up: `
			CREATE TABLE IF NOT EXISTS votes (
				individual TEXT NOT NULL,
				job_id     TEXT NOT NULL,
				verdict    TEXT NOT NULL,
				voted_at   TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (individual, job_id)
			);
			CREATE INDEX IF NOT EXISTS votes_job_idx ON votes (job_id);
			CREATE TABLE IF NOT EXISTS reviews (
				individual  TEXT NOT NULL,
				job_id      TEXT NOT NULL,
				score       INT NOT NULL,
				verdict     TEXT NOT NULL DEFAULT '',
				reason      TEXT NOT NULL DEFAULT '',
				message     TEXT NOT NULL DEFAULT '',
				reviewed_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (individual, job_id)
			);
		`,
	},
	{
		Version:     3,
		Description: "create sessions and queue tables",
		Up: `
			CREATE TABLE IF NOT EXISTS sessions (
				individual TEXT PRIMARY KEY,
				data       JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			);
			CREATE TABLE IF NOT EXISTS queue_entries (
				seq         BIGSERIAL PRIMARY KEY,
				individual  TEXT NOT NULL,
				job_id      TEXT NOT NULL,
				phase       INT NOT NULL,
				enqueued_at TIMESTAMPTZ NOT NULL,
				UNIQUE (individual, job_id)
			);
			CREATE INDEX IF NOT EXISTS queue_entries_individual_idx ON queue_entries (individual, seq);
		`,
	},
	{
		Version:     4,
		Description: "create applications, interviews, feedback and searches tables",
		Up: `
			CREATE TABLE IF NOT EXISTS applications (
				individual TEXT NOT NULL,
				job_id     TEXT NOT NULL,
				stage      TEXT NOT NULL,
				history    JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (individual, job_id)
			);
			CREATE TABLE IF NOT EXISTS interviews (
				id         BIGSERIAL PRIMARY KEY,
				individual TEXT NOT NULL,
				job_id     TEXT NOT NULL,
				salary     TEXT NOT NULL DEFAULT '',
				currency   TEXT NOT NULL DEFAULT '',
				stages     TEXT NOT NULL DEFAULT '',
				rating     INT NOT NULL CHECK (rating BETWEEN 1 AND 5),
				notes      TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS interviews_job_idx ON interviews (job_id);
			CREATE TABLE IF NOT EXISTS feedback (
				id         BIGSERIAL PRIMARY KEY,
				individual TEXT NOT NULL,
				job_id     TEXT NOT NULL,
				text       TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			);
			CREATE TABLE IF NOT EXISTS searches (
				id            BIGSERIAL PRIMARY KEY,
				individual    TEXT NOT NULL,
				terms         TEXT[] NOT NULL,
				countries     TEXT[] NOT NULL,
				results_count INT NOT NULL,
				searched_at   TIMESTAMPTZ NOT NULL
			);
		`,
	},
}

type Migrator struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewMigrator(db *sql.DB, logger *zap.Logger) *Migrator {
	return &Migrator{db: db, logger: logger}
}

func (m *Migrator) CreateMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return errors.Wrap(err, "failed to create migrations table")
	}
	return nil
}

func (m *Migrator) AppliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query migrations")
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration row")
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// ApplyMigration runs one migration and records it in the same transaction.
func (m *Migrator) ApplyMigration(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin migration %d", migration.Version)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
		return errors.Wrapf(err, "failed to apply migration %d", migration.Version)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
		migration.Version, migration.Description,
	); err != nil {
		return errors.Wrapf(err, "failed to record migration %d", migration.Version)
	}
	return errors.Wrapf(tx.Commit(), "commit migration %d", migration.Version)
}

// Migrate applies every pending migration in version order and returns how
// many ran.
func (m *Migrator) Migrate(ctx context.Context, migrations []Migration) (int, error) {
	if err := m.CreateMigrationsTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.AppliedVersions(ctx)
	if err != nil {
		return 0, err
	}

	pending := make([]Migration, 0, len(migrations))
	for _, mig := range migrations {
		if !applied[mig.Version] {
			pending = append(pending, mig)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, mig := range pending {
		if err := m.ApplyMigration(ctx, mig); err != nil {
			return 0, err
		}
		m.logger.Info("applied migration",
			zap.Int("version", mig.Version),
			zap.String("description", mig.Description))
	}
	return len(pending), nil
}
