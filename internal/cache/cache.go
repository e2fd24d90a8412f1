// Package cache holds the short-lived coordination state of the pipeline:
// which (term, country) pairings were fetched recently, which individuals
// have a search running, and the application event bus.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"marijobs-go/internal/models"
)

var ErrLocked = errors.New("cache: search already running")

// Ledger remembers successful source fetches per pairing. An empty fetch is
// recorded too, so a pairing no source has listings for is not re-fetched
// inside the cache window.
type Ledger interface {
	MarkFetched(ctx context.Context, pairing models.Pairing, ttl time.Duration) error
	FetchedWithin(ctx context.Context, pairing models.Pairing) (bool, error)
}

// Locker guards against two search runs for the same individual.
type Locker interface {
	Acquire(ctx context.Context, individual string, ttl time.Duration) error
	Release(ctx context.Context, individual string) error
}

// Event is published whenever an application changes stage.
type Event struct {
	Type       string       `json:"type"`
	Individual string       `json:"individual"`
	JobID      string       `json:"job_id"`
	From       models.Stage `json:"from,omitempty"`
	To         models.Stage `json:"to"`
	At         time.Time    `json:"at"`
}

const EventStageChanged = "application.stage_changed"

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

func pairingKey(p models.Pairing) string {
	return "marijobs:fetched:" + strings.ToLower(strings.TrimSpace(p.Term)) + "|" + strings.ToLower(strings.TrimSpace(p.Country))
}

func lockKey(individual string) string {
	return "marijobs:search-lock:" + individual
}
