package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPath string
)

var rootCmd = &cobra.Command{
	Use:   "expsplit",
	Short: "expsplit - a self-hosted experimentation engine",
	Long: `expsplit runs controlled A/B, multivariate, sequential and
multi-armed-bandit tests: deterministic variant assignment, exposure and
conversion tracking, and frequentist / Bayesian / bootstrap analysis.
Single Go binary, embedded SQLite.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("ES_DB_PATH", "./expsplit.db"), "database path")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
