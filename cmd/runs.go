package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fablepress/revision-cli/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect correction run history",
	Long:  "Commands for listing, viewing, cancelling, and deleting correction runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list <document-id>",
	Short: "List correction runs for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		runs, err := st.ListRunsByDocument(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowFormat string

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		switch runsShowFormat {
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close() //nolint:errcheck
			return enc.Encode(run)
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		default:
			return eris.Errorf("unsupported format: %s", runsShowFormat)
		}
	},
}

// -- runs cancel --

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cancellation of a run",
	Long:  "Sets the cooperative cancellation flag. The run stops at its next phase boundary; an in-flight model call is never interrupted. Idempotent.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Coord.Cancel(ctx, args[0]); err != nil {
			return eris.Wrap(err, "runs cancel")
		}
		fmt.Printf("cancellation requested for run %s\n", args[0])
		return nil
	},
}

// -- runs delete --

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a terminal run and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := st.DeleteRun(ctx, args[0]); err != nil {
			return eris.Wrap(err, "runs delete")
		}
		fmt.Printf("run %s deleted\n", args[0])
		return nil
	},
}

func init() {
	runsShowCmd.Flags().StringVar(&runsShowFormat, "format", "json", "output format (json, yaml)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsCancelCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.CorrectionRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tCYCLES\tSCORE\tFIXED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-----\t-----\t-------\t--------")

	for _, r := range runs {
		score := "-"
		if r.FinalScore != nil {
			score = fmt.Sprintf("%.1f", *r.FinalScore)
		}
		fixed := "-"
		if r.TotalIssuesFixed != nil {
			fixed = fmt.Sprintf("%d", *r.TotalIssuesFixed)
		}
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.CreatedAt).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Status,
			len(r.Cycles), r.MaxCycles,
			score,
			fixed,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
