package cli

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/expsplit/expsplit/internal/engine"
	"github.com/expsplit/expsplit/internal/server"
	"github.com/expsplit/expsplit/internal/store"
)

var port int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the expsplit JSON API.

Endpoints:
  POST /api/assign                 assign a user to a variant
  POST /api/track                  record exposure/conversion/metric events
  GET  /api/tests                  list tests
  GET  /api/tests/{id}/results     run the analysis
  GET  /api/users/{id}/experiments list a user's assignments
  GET  /health                     health check

Example:
  expsplit serve --port 8080`,
	RunE: runServe,
}

func init() {
	defaultPort := 8080
	if p := os.Getenv("ES_PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			defaultPort = parsed
		}
	}

	serveCmd.Flags().IntVarP(&port, "port", "p", defaultPort, "port to listen on")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
		return server.New(eng, port).Start()
	})
}
