package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/expsplit/expsplit/internal/engine"
	"github.com/expsplit/expsplit/internal/store"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize <test-id>",
	Short: "Recompute bandit traffic weights once",
	Long: `Update a multi-armed-bandit test's traffic allocation from its running
reward statistics. Run it from cron or any external scheduler; existing
assignments keep their variant, only new users feel the shift.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
			ctx := context.Background()

			weights, err := eng.UpdateWeights(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to update weights: %w", err)
			}

			test, err := eng.GetTest(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Updated traffic allocation for '%s':\n", test.Name)
			for i, v := range test.Variants {
				fmt.Printf("  %s: %.4f\n", v.Name, weights[i])
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(optimizeCmd)
}
