package scraper

import (
	"sync"

	"marijobs-go/internal/models"
	"marijobs-go/internal/storage"
)

// Deduplicator drops listings whose normalized URL was already seen during
// one run, so a job returned by several terms is upserted once.
type Deduplicator struct {
	seenJobs map[string]bool
	mu       sync.Mutex
}

// NewDeduplicator creates a new deduplicator
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		seenJobs: make(map[string]bool),
	}
}

// RemoveDuplicates returns the listings not seen before with their URL
// normalized, the number of duplicates dropped and the number of listings
// whose URL could not be normalized.
func (d *Deduplicator) RemoveDuplicates(jobs []models.Job) (unique []models.Job, duplicates, invalid int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, job := range jobs {
		normalized, err := storage.NormalizeURL(job.URL)
		if err != nil {
			invalid++
			continue
		}
		if d.seenJobs[normalized] {
			duplicates++
			continue
		}
		d.seenJobs[normalized] = true
		job.URL = normalized
		unique = append(unique, job)
	}
	return unique, duplicates, invalid
}

// GetSeenCount returns the number of unique jobs seen
func (d *Deduplicator) GetSeenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seenJobs)
}
