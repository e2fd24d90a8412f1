package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	supabase "github.com/nedpals/supabase-go"

	"marijobs-go/internal/models"
)

// archivedJob is the row shape of the Supabase jobs table. Who found a job
// stays in Postgres.
type archivedJob struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Company    string    `json:"company"`
	Location   string    `json:"location"`
	Country    string    `json:"country"`
	Remote     bool      `json:"remote"`
	Source     string    `json:"source"`
	DatePosted string    `json:"date_posted"`
	SearchTerm string    `json:"search_term"`
	ArchivedAt time.Time `json:"archived_at"`
}

// SupabaseArchive mirrors newly admitted jobs into a Supabase table for
// analytics. It is never read on the delivery path.
type SupabaseArchive struct {
	client *supabase.Client
	table  string
}

// NewSupabaseArchive creates a SupabaseArchive. It reads SUPABASE_URL and SUPABASE_KEY
// from environment variables if empty values are provided.
func NewSupabaseArchive(supabaseURL, supabaseKey string) (*SupabaseArchive, error) {
	if supabaseURL == "" {
		supabaseURL = os.Getenv("SUPABASE_URL")
	}
	if supabaseKey == "" {
		supabaseKey = os.Getenv("SUPABASE_KEY")
	}
	if supabaseURL == "" || supabaseKey == "" {
		return nil, fmt.Errorf("supabase URL and key must be provided via config or SUPABASE_URL / SUPABASE_KEY env vars")
	}

	client := supabase.CreateClient(supabaseURL, supabaseKey)
	return &SupabaseArchive{client: client, table: "jobs"}, nil
}

// Archive inserts the jobs in a single batch.
func (a *SupabaseArchive) Archive(_ context.Context, jobs []models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]archivedJob, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, archivedJob{
			ID:         job.ID,
			URL:        job.URL,
			Title:      job.Title,
			Company:    job.Company,
			Location:   job.Location,
			Country:    job.Country,
			Remote:     job.Remote,
			Source:     string(job.Source),
			DatePosted: job.DatePosted,
			SearchTerm: job.SearchTerm,
			ArchivedAt: now,
		})
	}

	var results []archivedJob
	if err := a.client.DB.From(a.table).Insert(rows).Execute(&results); err != nil {
		return fmt.Errorf("archive %d jobs: %w", len(rows), err)
	}
	return nil
}

// Recent lists archived jobs, at most limit of them when limit > 0.
func (a *SupabaseArchive) Recent(_ context.Context, limit int) ([]models.Job, error) {
	var rows []archivedJob
	if err := a.client.DB.From(a.table).Select("*").Execute(&rows); err != nil {
		return nil, fmt.Errorf("list archived jobs: %w", err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	jobs := make([]models.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, models.Job{
			ID:         r.ID,
			URL:        r.URL,
			Title:      r.Title,
			Company:    r.Company,
			Location:   r.Location,
			Country:    r.Country,
			Remote:     r.Remote,
			Source:     models.Source(r.Source),
			DatePosted: r.DatePosted,
			SearchTerm: r.SearchTerm,
			FirstSeen:  r.ArchivedAt,
		})
	}
	return jobs, nil
}
