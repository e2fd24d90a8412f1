package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"marijobs-go/internal/scheduler"
	"marijobs-go/internal/scraper/sources"
	"marijobs-go/internal/storage"
	"marijobs-go/pkg/httpclient"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the enabled sources and the phase each runs in",
	RunE: func(_ *cobra.Command, _ []string) error {
		registry := sources.NewRegistryFromConfig(cfg.Sources, httpclient.NewHttpClient(cfg.App.RequestTimeout), cfg.App.ScrapeDelay)
		data := pterm.TableData{{"Source", "Phase", "Scope"}}
		for _, src := range registry.Sources() {
			scope := "global"
			if src.CountryScoped() {
				scope = "per country"
			}
			data = append(data, []string{src.GetName(), fmt.Sprint(registry.Phase(src.GetName())), scope})
		}
		if len(data) == 1 {
			pterm.Warning.Println("No sources are enabled")
			return nil
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var archiveLimit int

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "List the jobs most recently mirrored to Supabase",
	RunE: func(cmd *cobra.Command, _ []string) error {
		archive, err := storage.NewSupabaseArchive(cfg.Database.SupabaseURL, cfg.Database.SupabaseKey)
		if err != nil {
			return err
		}
		jobs, err := archive.Recent(cmd.Context(), archiveLimit)
		if err != nil {
			return err
		}
		return printJobs(jobs)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Deactivate jobs older than app.job_max_age",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openPostgres(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := scheduler.New(store, cfg.App.CleanupInterval, cfg.App.JobMaxAge, log).Sweep(cmd.Context())
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Deactivated %d job(s) older than %s", n, cfg.App.JobMaxAge)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openPostgres(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		if n == 0 {
			pterm.Info.Println("Schema is up to date")
			return nil
		}
		pterm.Success.Printfln("Applied %d migration(s)", n)
		return nil
	},
}

func init() {
	archiveCmd.Flags().IntVar(&archiveLimit, "limit", 20, "Rows to print")
}

func openPostgres(ctx context.Context) (*storage.PostgresStore, error) {
	if cfg.Database.URL == "" {
		return nil, errors.New("database URL is not configured (DATABASE_URL)")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return storage.OpenPostgres(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, log)
}
