package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/expsplit/expsplit/internal/engine"
	"github.com/expsplit/expsplit/internal/store"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export <test-id>",
	Short: "Export raw event data",
	Long: `Export a test's raw event stream in CSV or JSON format.

Examples:
  expsplit export 3f2a... --format csv > events.csv
  expsplit export 3f2a... --format json > events.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format (csv or json)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportFormat != "csv" && exportFormat != "json" {
		return fmt.Errorf("invalid format: must be 'csv' or 'json'")
	}

	return withEngine(func(eng *engine.Engine, s *store.SQLiteStore) error {
		ctx := context.Background()

		if _, err := eng.GetTest(ctx, args[0]); err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				return fmt.Errorf("test '%s' not found", args[0])
			}
			return err
		}

		events, err := s.ListEvents(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}

		if exportFormat == "csv" {
			return exportCSV(events)
		}
		return exportJSON(events)
	})
}

func exportCSV(events []*store.Event) error {
	w := csv.NewWriter(os.Stdout)
	defer w.Flush()

	if err := w.Write([]string{"timestamp", "user_id", "variant_id", "type", "goal_id", "metric", "value"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, e := range events {
		row := []string{
			strconv.FormatInt(e.CreatedAt.Unix(), 10),
			e.UserID,
			e.VariantID,
			string(e.Type),
			e.GoalID,
			e.Metric,
			strconv.FormatFloat(e.Value, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	return nil
}

type jsonExport struct {
	Events []jsonEvent `json:"events"`
}

type jsonEvent struct {
	Timestamp  int64            `json:"timestamp"`
	UserID     string           `json:"user_id"`
	VariantID  string           `json:"variant_id"`
	Type       string           `json:"type"`
	GoalID     string           `json:"goal_id,omitempty"`
	Metric     string           `json:"metric,omitempty"`
	Value      float64          `json:"value"`
	Properties store.Properties `json:"properties,omitempty"`
}

func exportJSON(events []*store.Event) error {
	export := jsonExport{
		Events: make([]jsonEvent, len(events)),
	}

	for i, e := range events {
		export.Events[i] = jsonEvent{
			Timestamp:  e.CreatedAt.Unix(),
			UserID:     e.UserID,
			VariantID:  e.VariantID,
			Type:       string(e.Type),
			GoalID:     e.GoalID,
			Metric:     e.Metric,
			Value:      e.Value,
			Properties: e.Properties,
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
