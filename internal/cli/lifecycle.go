package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/expsplit/expsplit/internal/engine"
	"github.com/expsplit/expsplit/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start <test-id>",
	Short: "Start a draft test",
	Long: `Move a draft test to running. The configuration freezes: variants,
goals and weights can no longer be edited. Only the first start succeeds.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
			if err := eng.StartTest(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Test %s is now running.\n", args[0])
			return nil
		})
	},
}

var concludeCmd = &cobra.Command{
	Use:   "conclude <test-id>",
	Short: "Stop a running test",
	Long:  `Stop a running test. Analysis stays available on the frozen data.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
			if err := eng.ConcludeTest(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Test %s concluded.\n", args[0])
			return nil
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <test-id>",
	Short: "Archive a draft test that never ran",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine.Engine, _ *store.SQLiteStore) error {
			if err := eng.ArchiveTest(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Test %s archived.\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(concludeCmd)
	rootCmd.AddCommand(archiveCmd)
}
