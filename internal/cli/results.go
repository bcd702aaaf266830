package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/expsplit/expsplit/internal/engine"
	"github.com/expsplit/expsplit/internal/stats"
	"github.com/expsplit/expsplit/internal/store"
)

var resultsCmd = &cobra.Command{
	Use:   "results <test-id>",
	Short: "Analyze a test and show detailed results",
	Long: `Run the test's configured statistical method over the accumulated
events and show per-variant rates, intervals and the verdict.

For sequential tests every invocation on a running test spends one
alpha-spending look.`,
	Args: cobra.ExactArgs(1),
	RunE: runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
		ctx := context.Background()

		test, err := eng.GetTest(ctx, args[0])
		if err != nil {
			return err
		}

		result, err := eng.AnalyzeTest(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to analyze test: %w", err)
		}

		fmt.Printf("TEST: %s (%s)\n", test.Name, test.ID)
		fmt.Printf("TYPE: %s  METHOD: %s  STATUS: %s\n", test.Type, result.Method, test.Status)
		fmt.Printf("GOAL: %s\n", result.Primary.Name)
		if test.Type == store.TypeSequential {
			fmt.Printf("LOOK: %d of %d (z boundary %.3f)\n", result.Look, test.Stats.MaxLooks, result.Boundary)
		}
		fmt.Println()

		printBreakdown(result.Primary, result.Method)

		for _, bd := range result.Secondary {
			fmt.Printf("\nSECONDARY GOAL: %s (reported only)\n", bd.Name)
			printBreakdown(bd, result.Method)
		}

		fmt.Println()
		switch result.Verdict {
		case stats.VerdictWinner:
			fmt.Printf("Verdict: WINNER. %s\n", result.Reason)
		case stats.VerdictNoDifference:
			fmt.Printf("Verdict: NO DIFFERENCE. %s\n", result.Reason)
		default:
			fmt.Printf("Verdict: INCONCLUSIVE. %s\n", result.Reason)
		}

		return nil
	})
}

func printBreakdown(bd stats.GoalBreakdown, method store.Method) {
	fmt.Println("VARIANT           EXPOSURES  CONVERSIONS  RATE/MEAN  INTERVAL            VS CONTROL")
	fmt.Println(strings.Repeat("─", 96))

	for _, v := range bd.Variants {
		name := v.Name
		if v.Control {
			name += " *"
		}
		if len(name) > 16 {
			name = name[:13] + "..."
		}

		var valueStr, ciStr string
		if bd.Kind == store.MetricContinuous {
			valueStr = fmt.Sprintf("%.3f", v.Mean)
			ciStr = fmt.Sprintf("[%.3f, %.3f]", v.CILower, v.CIUpper)
		} else {
			valueStr = formatPercent(v.Rate)
			ciStr = fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower*100, v.CIUpper*100)
		}
		if v.Exposures == 0 {
			ciStr = "N/A"
		}

		comparison := ""
		if !v.Control {
			switch method {
			case store.MethodBayesian:
				comparison = fmt.Sprintf("P(beats control) %.1f%%", v.ProbBeatsControl*100)
			case store.MethodBootstrap:
				comparison = fmt.Sprintf("diff [%.4f, %.4f]", v.DiffLower, v.DiffUpper)
			default:
				comparison = fmt.Sprintf("p=%.4f", v.PValue)
			}
		}

		fmt.Printf("%-16s  %-9d  %-11d  %-9s  %-18s  %s\n",
			name, v.Exposures, v.Conversions, valueStr, ciStr, comparison)
	}
}
