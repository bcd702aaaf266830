package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/expsplit/expsplit/internal/engine"
	"github.com/expsplit/expsplit/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tests",
	Long:  `List all tests with their type, status and sample counts.`,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return withEngine(func(eng *engine.Engine, s *store.SQLiteStore) error {
		ctx := context.Background()

		tests, err := eng.GetTests(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tests: %w", err)
		}

		if len(tests) == 0 {
			fmt.Println("No tests yet.")
			fmt.Println()
			fmt.Println("Create one with: expsplit create <name> --variants \"A,B\" --goal conversion")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tVARIANTS\tEXPOSURES\tCONVERSIONS\tCREATED")

		for _, test := range tests {
			snapshot, err := s.VariantSnapshot(ctx, test.ID)
			if err != nil {
				return fmt.Errorf("failed to get stats for test %s: %w", test.ID, err)
			}

			var exposures, conversions int64
			primary := test.PrimaryGoal()
			for _, vs := range snapshot {
				exposures += vs.Exposures
				if primary != nil {
					conversions += vs.Conversions[primary.ID]
				}
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				test.ID,
				test.Name,
				test.Type,
				strings.ToUpper(string(test.Status)),
				len(test.Variants),
				exposures,
				conversions,
				test.CreatedAt.Format("2006-01-02"),
			)
		}

		w.Flush()
		return nil
	})
}
