package scraper

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marijobs-go/internal/cache"
	"marijobs-go/internal/models"
	"marijobs-go/internal/storage"
)

type brokenLedger struct{}

func (brokenLedger) MarkFetched(context.Context, models.Pairing, time.Duration) error {
	return errors.New("redis down")
}

func (brokenLedger) FetchedWithin(context.Context, models.Pairing) (bool, error) {
	return false, errors.New("redis down")
}

func seed(t *testing.T, store *storage.MemoryStore, url, title, country string, remote bool) {
	t.Helper()
	_, err := store.UpsertJob(context.Background(), models.Job{
		URL: url, Title: title, Country: country, Remote: remote, Source: models.SourceGlassdoor,
	}, "seed")
	require.NoError(t, err)
}

func TestGate_SplitsPairings(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ledger := cache.NewMemoryLedger()
	seed(t, store, "https://a.test/1", "Lab Technician", "portugal", false)
	seed(t, store, "https://a.test/2", "Senior Lab Technician", "spain", true)
	require.NoError(t, ledger.MarkFetched(ctx, models.Pairing{Term: "curator", Country: "portugal"}, time.Hour))

	gate := NewGate(store, ledger, 48*time.Hour, zaptest.NewLogger(t))
	res, err := gate.Evaluate(ctx, models.SearchRequest{
		Individual: "alice",
		Terms:      []string{"lab technician", "curator"},
		Countries:  []string{"portugal", "spain"},
	})
	require.NoError(t, err)

	require.Len(t, res.Fresh, 2)
	assert.Equal(t, "https://a.test/1", res.Fresh[0].URL)
	assert.Equal(t, []models.Pairing{{Term: "curator", Country: "spain"}}, res.MustFetch)
}

func TestGate_RemoteOnlyFiltersHits(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seed(t, store, "https://a.test/1", "Data Analyst", "portugal", false)
	seed(t, store, "https://a.test/2", "Data Analyst II", "portugal", true)

	gate := NewGate(store, cache.NewMemoryLedger(), 48*time.Hour, zaptest.NewLogger(t))
	res, err := gate.Evaluate(ctx, models.SearchRequest{
		Terms: []string{"data analyst"}, Countries: []string{"portugal"}, RemoteOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Fresh, 1)
	assert.True(t, res.Fresh[0].Remote)
	assert.Empty(t, res.MustFetch)
}

func TestGate_StaleJobsMustBeFetched(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now.Add(-72 * time.Hour) }
	seed(t, store, "https://a.test/1", "Geologist", "spain", false)
	store.Now = func() time.Time { return now }

	gate := NewGate(store, cache.NewMemoryLedger(), 48*time.Hour, zaptest.NewLogger(t))
	res, err := gate.Evaluate(ctx, models.SearchRequest{Terms: []string{"geologist"}, Countries: []string{"spain"}})
	require.NoError(t, err)
	assert.Empty(t, res.Fresh)
	assert.Len(t, res.MustFetch, 1)
}

func TestGate_LedgerFailureMeansFetch(t *testing.T) {
	gate := NewGate(storage.NewMemoryStore(), brokenLedger{}, time.Hour, zaptest.NewLogger(t))
	res, err := gate.Evaluate(context.Background(), models.SearchRequest{
		Terms: []string{"geologist"}, Countries: []string{"spain", "portugal"},
	})
	require.NoError(t, err)
	assert.Len(t, res.MustFetch, 2)
}

func TestGate_FreshnessIsPerPairingWhateverTheRemoteFlag(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ledger := cache.NewMemoryLedger()
	// a remote-only fetch stored one remote listing and marked the pairing
	seed(t, store, "https://a.test/1", "Data Analyst", "portugal", true)
	require.NoError(t, ledger.MarkFetched(ctx, models.Pairing{Term: "data analyst", Country: "portugal"}, time.Hour))

	gate := NewGate(store, ledger, 48*time.Hour, zaptest.NewLogger(t))
	res, err := gate.Evaluate(ctx, models.SearchRequest{
		Individual: "bob",
		Terms:      []string{"data analyst"},
		Countries:  []string{"portugal"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.MustFetch)
	require.Len(t, res.Fresh, 1)
	assert.True(t, res.Fresh[0].Remote)
}
