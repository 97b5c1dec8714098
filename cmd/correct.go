package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fablepress/revision-cli/internal/model"
)

var correctParams model.RunParams

var correctCmd = &cobra.Command{
	Use:   "correct <document-id>",
	Short: "Run the full correction pipeline on a manuscript",
	Long:  "Creates a correction run and executes audit→correct→re-audit cycles until the quality threshold is met or the cycle budget is exhausted, streaming progress to the terminal.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Coord.Start(ctx, args[0], correctParams)
		if err != nil {
			return eris.Wrap(err, "correct")
		}
		fmt.Printf("run %s created for document %s\n", run.ID, run.DocumentID)

		updates, unsubscribe := env.Hub.Subscribe(run.ID)
		defer unsubscribe()

		done := make(chan error, 1)
		go func() {
			done <- env.Coord.Execute(ctx, run)
		}()

		lastLogged := 0
		for snap := range updates {
			for ; lastLogged < len(snap.ProgressLog); lastLogged++ {
				entry := snap.ProgressLog[lastLogged]
				fmt.Printf("[%s] %s\n", entry.Timestamp.Format("15:04:05"), entry.Message)
			}
		}

		if err := <-done; err != nil {
			return eris.Wrap(err, "correct")
		}

		final, err := env.Store.GetRun(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "correct: read final state")
		}
		printRunOutcome(final)

		if final.Status != model.RunStatusCompleted {
			logger.Warn("run did not complete",
				zap.String("run_id", final.ID),
				zap.String("status", string(final.Status)),
			)
			os.Exit(1)
		}
		return nil
	},
}

func printRunOutcome(run *model.CorrectionRun) {
	fmt.Printf("\nrun %s: %s\n", run.ID, run.Status)
	if run.FinalScore != nil {
		fmt.Printf("final score: %.1f/10\n", *run.FinalScore)
	}
	if run.TotalIssuesFixed != nil {
		fmt.Printf("issues fixed: %d", *run.TotalIssuesFixed)
		if run.TotalStructuralChanges != nil {
			fmt.Printf(" (%d structural)", *run.TotalStructuralChanges)
		}
		fmt.Println()
	}
	if run.ErrorMessage != "" {
		fmt.Printf("error: %s\n", run.ErrorMessage)
	}
}

func init() {
	correctCmd.Flags().StringVar(&docsRoot, "docs", ".", "directory documents are loaded from")
	correctCmd.Flags().IntVar(&correctParams.MaxCycles, "max-cycles", 3, "maximum audit→correct cycles (1-5)")
	correctCmd.Flags().IntVar(&correctParams.TargetScore, "target-score", 85, "consistency score threshold (50-100)")
	correctCmd.Flags().IntVar(&correctParams.MaxCriticalIssues, "max-critical", 0, "critical issues tolerated at threshold")
	rootCmd.AddCommand(correctCmd)
}
