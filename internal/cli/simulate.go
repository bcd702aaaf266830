package cli

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/expsplit/expsplit/internal/engine"
	"github.com/expsplit/expsplit/internal/store"
)

func init() {
	rootCmd.AddCommand(newSimulateCmd())
}

func newSimulateCmd() *cobra.Command {
	var (
		users int
		rates string
		seed  int64
	)

	cmd := &cobra.Command{
		Use:   "simulate <test-id>",
		Short: "Drive synthetic users through a running test",
		Long: `Assign synthetic users, track their exposures and convert them with
per-variant probabilities. Useful for checking allocation convergence and
exercising the analyzers before wiring real traffic.

Examples:
  expsplit simulate 3f2a... --users 100000
  expsplit simulate 3f2a... --users 20000 --rates "0.10,0.15"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			testID := args[0]

			return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
				ctx := context.Background()

				test, err := eng.GetTest(ctx, testID)
				if err != nil {
					return err
				}
				if test.Status != store.StatusRunning {
					return fmt.Errorf("test is not running (current status: %s)", test.Status)
				}
				primary := test.PrimaryGoal()

				rateByVariant := make(map[string]float64, len(test.Variants))
				if rates != "" {
					parts := strings.Split(rates, ",")
					if len(parts) != len(test.Variants) {
						return fmt.Errorf("%d rates for %d variants", len(parts), len(test.Variants))
					}
					for i, part := range parts {
						r, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
						if err != nil {
							return fmt.Errorf("invalid rate %q: %w", part, err)
						}
						rateByVariant[test.Variants[i].ID] = r
					}
				}

				rng := rand.New(rand.NewSource(seed))
				counts := make(map[string]int, len(test.Variants))
				skipped := 0

				for i := 0; i < users; i++ {
					userID := fmt.Sprintf("sim-user-%d", i)
					variantID, err := eng.Assign(ctx, testID,
						store.UserProfile{ID: userID},
						store.SessionInfo{ID: fmt.Sprintf("sim-session-%d", i)},
						store.DeviceInfo{Type: "desktop"})
					if err != nil {
						return fmt.Errorf("failed to assign user %s: %w", userID, err)
					}
					if variantID == "" {
						skipped++
						continue
					}
					counts[variantID]++

					if err := eng.TrackExposure(ctx, testID, userID, nil); err != nil {
						return fmt.Errorf("failed to track exposure: %w", err)
					}
					if primary != nil && rng.Float64() < rateByVariant[variantID] {
						if err := eng.TrackConversion(ctx, testID, userID, primary.ID, 1, nil); err != nil {
							return fmt.Errorf("failed to track conversion: %w", err)
						}
					}
				}

				assigned := users - skipped
				fmt.Printf("Simulated %d users (%d assigned, %d skipped by targeting):\n", users, assigned, skipped)
				for i, v := range test.Variants {
					share := 0.0
					if assigned > 0 {
						share = float64(counts[v.ID]) / float64(assigned)
					}
					fmt.Printf("  %s: %d users, observed share %.4f (configured weight %.4f)\n",
						v.Name, counts[v.ID], share, test.Weights[i])
				}
				fmt.Printf("\nSee the analysis with: expsplit results %s\n", testID)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&users, "users", "n", 10000, "number of synthetic users")
	cmd.Flags().StringVar(&rates, "rates", "", "comma-separated true conversion rates per variant")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed for conversion draws")

	return cmd
}
