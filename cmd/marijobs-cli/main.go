package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marijobs-go/internal/config"
	"marijobs-go/internal/logger"
)

var (
	configFile string
	verbose    bool

	cfg *config.Config
	log = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "marijobs-cli",
	Short: "Operator tools for the MariJobs pipeline",
	Long: `marijobs-cli runs the job discovery pipeline outside the bot and
maintains its storage.

Examples:
  marijobs-cli search -t "data scientist" -c portugal --memory
  marijobs-cli sources
  marijobs-cli config show --format json
  marijobs-cli migrate
  marijobs-cli cleanup`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" {
			return nil
		}
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
		if verbose {
			l, err := logger.New("debug", "console", "")
			if err != nil {
				return err
			}
			log = l
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (default: ./configs/marijobs.yml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline activity")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
