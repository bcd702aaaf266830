package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/expsplit/expsplit/internal/engine"
	"github.com/expsplit/expsplit/internal/store"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var (
		testType  string
		variants  string
		control   int
		weights   string
		goalName  string
		goalKind  string
		method    string
		minSample int
		epsilon   float64
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new test (draft)",
		Long: `Create a new test in draft state. Start it with 'expsplit start'.

Run without --variants for an interactive wizard.

Examples:
  expsplit create checkout --variants "Current,One-page" --goal purchase
  expsplit create hero --variants "A,B,C" --weights "0.5,0.25,0.25" --goal signup
  expsplit create pricing --type multi_armed_bandit --variants "A,B" --goal upgrade --epsilon 0.1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			if variants == "" {
				var err error
				testType, variants, goalName, err = runCreateWizard()
				if err != nil {
					return err
				}
			}

			variantList := strings.Split(variants, ",")
			for i := range variantList {
				variantList[i] = strings.TrimSpace(variantList[i])
			}
			if len(variantList) < 2 {
				return fmt.Errorf("need at least 2 variants. Example: --variants \"A,B\"")
			}
			if control < 0 || control >= len(variantList) {
				return fmt.Errorf("invalid control index: %d (variants: 0-%d)", control, len(variantList)-1)
			}

			var weightList []float64
			if weights != "" {
				for _, part := range strings.Split(weights, ",") {
					w, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
					if err != nil {
						return fmt.Errorf("invalid weight %q: %w", part, err)
					}
					weightList = append(weightList, w)
				}
			}

			if goalName == "" {
				goalName = "conversion"
			}

			cfg := engine.Config{
				Name:          name,
				Type:          store.TestType(testType),
				Weights:       weightList,
				Epsilon:       epsilon,
				MinSampleSize: minSample,
				Stats:         store.StatConfig{Method: store.Method(method)},
				Goals: []engine.GoalConfig{
					{Name: goalName, Kind: store.MetricKind(goalKind)},
				},
			}
			for i, v := range variantList {
				cfg.Variants = append(cfg.Variants, engine.VariantConfig{
					Name:    v,
					Control: i == control,
				})
			}

			return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
				test, err := eng.CreateTest(context.Background(), cfg)
				if err != nil {
					return fmt.Errorf("failed to create test: %w", err)
				}

				fmt.Printf("Created %s test '%s' (%s) with %d variants:\n", test.Type, test.Name, test.ID, len(test.Variants))
				for i, v := range test.Variants {
					marker := ""
					if v.Control {
						marker = " (control)"
					}
					fmt.Printf("  %d: %s  weight %.2f%s\n", i, v.Name, test.Weights[i], marker)
				}
				fmt.Printf("Goal: %s (%s)\n", test.Goals[0].Name, test.Goals[0].Kind)
				fmt.Printf("\nStart it with: expsplit start %s\n", test.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&testType, "type", "t", "simple_ab", "test type (simple_ab, multivariate, multi_armed_bandit, sequential)")
	cmd.Flags().StringVarP(&variants, "variants", "v", "", "comma-separated variant names")
	cmd.Flags().IntVar(&control, "control", 0, "index of the control variant")
	cmd.Flags().StringVar(&weights, "weights", "", "comma-separated traffic weights (default: even split)")
	cmd.Flags().StringVar(&goalName, "goal", "", "primary goal name")
	cmd.Flags().StringVar(&goalKind, "goal-kind", "binary", "goal kind (binary or continuous)")
	cmd.Flags().StringVar(&method, "method", "frequentist", "analysis method (frequentist, bayesian, bootstrap)")
	cmd.Flags().IntVar(&minSample, "min-sample", 0, "minimum exposures per arm before significance (default 100)")
	cmd.Flags().Float64Var(&epsilon, "epsilon", 0, "bandit exploration floor per arm")

	return cmd
}

func runCreateWizard() (testType, variants, goal string, err error) {
	types := []string{"simple_ab", "multivariate", "multi_armed_bandit", "sequential"}
	sel := promptui.Select{
		Label: "Test type",
		Items: types,
		Size:  4,
	}
	idx, _, err := sel.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			os.Exit(0)
		}
		return "", "", "", err
	}
	testType = types[idx]

	variantPrompt := promptui.Prompt{
		Label:   "Variants (comma-separated, first is control)",
		Default: "Control,Treatment",
	}
	variants, err = variantPrompt.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			os.Exit(0)
		}
		return "", "", "", err
	}

	goalPrompt := promptui.Prompt{
		Label:   "Primary goal",
		Default: "conversion",
	}
	goal, err = goalPrompt.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			os.Exit(0)
		}
		return "", "", "", err
	}

	return testType, variants, goal, nil
}
