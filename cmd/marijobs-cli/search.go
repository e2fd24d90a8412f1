package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marijobs-go/internal/cache"
	"marijobs-go/internal/delivery"
	"marijobs-go/internal/models"
	"marijobs-go/internal/scraper"
	"marijobs-go/internal/scraper/sources"
	"marijobs-go/internal/storage"
	"marijobs-go/pkg/httpclient"
)

// cliIndividual owns the queue and search log entries of CLI searches.
const cliIndividual = "cli"

var searchOpts struct {
	terms      []string
	countries  []string
	remote     bool
	privileged bool
	memory     bool
	archive    bool
	limit      int
	timeout    time.Duration
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run one search through the freshness gate and the phase sequencer",
	Long: `Run one search the way the bot does: fresh cached jobs are served first,
then every stale (term, country) pairing is fetched phase by phase.

Without --privileged only phase 1 runs.`,
	RunE: runSearch,
}

func init() {
	f := searchCmd.Flags()
	f.StringSliceVarP(&searchOpts.terms, "term", "t", nil, "Search term (repeatable or comma separated)")
	f.StringSliceVarP(&searchOpts.countries, "country", "c", nil, "Country (repeatable or comma separated)")
	f.BoolVar(&searchOpts.remote, "remote", false, "Only remote jobs")
	f.BoolVar(&searchOpts.privileged, "privileged", false, "Run phases 2 and 3 as well")
	f.BoolVar(&searchOpts.memory, "memory", false, "Use an in-memory store instead of Postgres")
	f.BoolVar(&searchOpts.archive, "archive", false, "Mirror admitted jobs to Supabase")
	f.IntVar(&searchOpts.limit, "limit", 25, "Rows to print")
	f.DurationVar(&searchOpts.timeout, "timeout", 10*time.Minute, "Give up after this long")
	_ = searchCmd.MarkFlagRequired("term")
	_ = searchCmd.MarkFlagRequired("country")
}

func runSearch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, searchOpts.timeout)
	defer cancel()

	store, err := openStore(ctx, searchOpts.memory)
	if err != nil {
		return err
	}
	defer store.Close()

	ledger, closeLedger, err := openLedger(ctx, searchOpts.memory)
	if err != nil {
		return err
	}
	defer closeLedger()

	httpClient := httpclient.NewHttpClient(cfg.App.RequestTimeout)
	registry := sources.NewRegistryFromConfig(cfg.Sources, httpClient, cfg.App.ScrapeDelay)
	queue := delivery.NewQueue(store, log)
	seq := scraper.NewSequencer(registry, store, queue, ledger, scraper.NewMetrics(nil), scraper.SequencerConfig{
		ScrapeDelay:    cfg.App.ScrapeDelay,
		RequestTimeout: cfg.App.RequestTimeout,
		CacheWindow:    cfg.App.CacheWindow,
	}, log)
	if searchOpts.archive {
		archive, err := storage.NewSupabaseArchive(cfg.Database.SupabaseURL, cfg.Database.SupabaseKey)
		if err != nil {
			return err
		}
		seq.WithArchive(archive)
	}

	req := models.SearchRequest{
		Individual: cliIndividual,
		Terms:      searchOpts.terms,
		Countries:  lowerAll(searchOpts.countries),
		RemoteOnly: searchOpts.remote,
		Privileged: searchOpts.privileged,
	}
	if err := queue.Discard(ctx, cliIndividual); err != nil {
		return err
	}

	gate, err := scraper.NewGate(store, ledger, cfg.App.CacheWindow, log).Evaluate(ctx, req)
	if err != nil {
		return err
	}
	if _, err := queue.Enqueue(ctx, cliIndividual, gate.Fresh, 0); err != nil {
		return err
	}
	pterm.Info.Printfln("%d cached job(s), %d pairing(s) to fetch", len(gate.Fresh), len(gate.MustFetch))

	spinner, _ := pterm.DefaultSpinner.Start("Searching...")
	start := time.Now()
	outcome, err := seq.Run(ctx, &scraper.Run{
		Request:   req,
		MustFetch: gate.MustFetch,
		Phase:     1,
		CacheHits: len(gate.Fresh),
	}, &spinnerListener{spinner: spinner})
	switch {
	case err != nil:
		spinner.Fail(err.Error())
		return err
	case outcome.Cancelled:
		spinner.Warning("Search cancelled")
	default:
		spinner.Success(fmt.Sprintf("%d new job(s) from %d queries in %s",
			outcome.Admitted, outcome.Queries, time.Since(start).Round(time.Millisecond)))
	}

	jobs, err := drain(context.WithoutCancel(ctx), queue, searchOpts.limit)
	if err != nil {
		return err
	}
	if err := printJobs(jobs); err != nil {
		return err
	}
	return printMetrics(seq.Metrics().Snapshot())
}

func openStore(ctx context.Context, memory bool) (storage.Store, error) {
	if memory {
		return storage.NewMemoryStore(), nil
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database URL is not configured (DATABASE_URL); use --memory")
	}
	return storage.OpenPostgres(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, log)
}

// openLedger uses Redis when configured so CLI searches share the bot's
// freshness memo.
func openLedger(ctx context.Context, memory bool) (cache.Ledger, func(), error) {
	if memory || cfg.Redis.URL == "" {
		return cache.NewMemoryLedger(), func() {}, nil
	}
	client, err := cache.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewRedisLedger(client), func() { _ = client.Close() }, nil
}

func drain(ctx context.Context, queue *delivery.Queue, limit int) ([]models.Job, error) {
	var jobs []models.Job
	for limit <= 0 || len(jobs) < limit {
		job, ok, err := queue.Next(ctx, cliIndividual)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func printJobs(jobs []models.Job) error {
	if len(jobs) == 0 {
		pterm.Warning.Println("No jobs found")
		return nil
	}
	data := pterm.TableData{{"Source", "Title", "Company", "Country", "URL"}}
	for _, job := range jobs {
		data = append(data, []string{string(job.Source), truncate(job.Title, 50), truncate(job.Company, 30), job.Country, job.URL})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printMetrics(m scraper.MetricsSnapshot) error {
	pterm.DefaultSection.Println("Source performance")
	data := pterm.TableData{{"Source", "Queries", "Listings", "Admitted", "Errors", "Last response"}}
	for name, perf := range m.SourcePerformance {
		data = append(data, []string{
			name,
			fmt.Sprint(perf.Queries),
			fmt.Sprint(perf.Listings),
			fmt.Sprint(perf.Admitted),
			fmt.Sprint(perf.Errors),
			perf.ResponseTime.Round(time.Millisecond).String(),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Printfln("queries=%d errors=%d admitted=%d duplicates=%d refreshed=%d",
		m.TotalQueries, m.TotalErrors, m.TotalAdmitted, m.TotalDuplicates, m.TotalRefreshed)
	return nil
}

// spinnerListener reports run progress on the spinner.
type spinnerListener struct {
	spinner *pterm.SpinnerPrinter
	found   int
}

func (l *spinnerListener) JobsAdmitted(_ context.Context, phase, added int) {
	l.found += added
	l.spinner.UpdateText(fmt.Sprintf("Searching phase %d... %d new job(s)", phase, l.found))
}

func (l *spinnerListener) Progress(_ context.Context, phase, remaining, total int) {
	l.spinner.UpdateText(fmt.Sprintf("Searching phase %d... %d of %d tasks left, %d new job(s)", phase, remaining, total, l.found))
	log.Debug("progress", zap.Int("phase", phase), zap.Int("remaining", remaining))
}

func (l *spinnerListener) PhaseDone(_ context.Context, phase, admitted int) error {
	pterm.Success.Printfln("Phase %d finished: %d new job(s)", phase, admitted)
	return nil
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
