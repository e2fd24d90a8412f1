package scraper

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"marijobs-go/internal/cache"
	"marijobs-go/internal/models"
	"marijobs-go/internal/storage"
)

// GateResult splits a search request into what the store can already serve
// and the pairings that have to go to the sources.
type GateResult struct {
	Fresh     []models.Job
	MustFetch []models.Pairing
}

// Gate decides, pairing by pairing, whether cached jobs are fresh enough.
type Gate struct {
	jobs   storage.JobStore
	ledger cache.Ledger
	window time.Duration
	logger *zap.Logger
}

func NewGate(jobs storage.JobStore, ledger cache.Ledger, window time.Duration, logger *zap.Logger) *Gate {
	return &Gate{jobs: jobs, ledger: ledger, window: window, logger: logger}
}

// Evaluate looks at every (term, country) pairing of the request in order. A
// pairing with fresh jobs contributes them; a pairing without jobs that was
// fetched inside the window is satisfied as it is; anything else must be
// fetched.
func (g *Gate) Evaluate(ctx context.Context, req models.SearchRequest) (GateResult, error) {
	var result GateResult
	seen := make(map[string]bool)

	for _, pairing := range req.Pairings() {
		jobs, err := g.jobs.FindFresh(ctx, []string{pairing.Term}, []string{pairing.Country}, g.window)
		if err != nil {
			return GateResult{}, errors.Wrapf(err, "find fresh jobs for %s", pairing)
		}
		if req.RemoteOnly {
			jobs = remoteOnly(jobs)
		}

		if len(jobs) > 0 {
			for _, job := range jobs {
				if !seen[job.ID] {
					seen[job.ID] = true
					result.Fresh = append(result.Fresh, job)
				}
			}
			continue
		}

		if g.fetchedRecently(ctx, pairing) {
			continue
		}
		result.MustFetch = append(result.MustFetch, pairing)
	}

	g.logger.Debug("gate evaluated",
		zap.String("individual", req.Individual),
		zap.Int("fresh", len(result.Fresh)),
		zap.Int("must_fetch", len(result.MustFetch)))
	return result, nil
}

func (g *Gate) fetchedRecently(ctx context.Context, pairing models.Pairing) bool {
	if g.ledger == nil {
		return false
	}
	ok, err := g.ledger.FetchedWithin(ctx, pairing)
	if err != nil {
		g.logger.Warn("pairing ledger lookup failed, fetching",
			zap.String("pairing", pairing.String()), zap.Error(err))
		return false
	}
	return ok
}

func remoteOnly(jobs []models.Job) []models.Job {
	out := jobs[:0:0]
	for _, job := range jobs {
		if job.Remote {
			out = append(out, job)
		}
	}
	return out
}
