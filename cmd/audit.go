package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fablepress/revision-cli/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit <document-id>",
	Short: "Run a one-shot consistency audit",
	Long:  "Runs a single detection pass over a manuscript and prints the violations, score, and tracked entity state. No corrections are applied.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		doc, err := env.Docs.Load(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audit")
		}

		result, err := env.Audit.Audit(ctx, audit.Input{
			Chapters: doc.Chapters,
			Genre:    doc.Genre,
			Language: doc.Language,
		})
		if err != nil {
			return eris.Wrap(err, "audit")
		}

		fmt.Println(result.Summary)
		if len(result.Violations) > 0 {
			fmt.Println()
			formatViolationsTable(result)
		}
		return nil
	},
}

func formatViolationsTable(result *audit.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CH\tSEVERITY\tTYPE\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "--\t--------\t----\t-----------")
	for _, v := range result.Violations {
		desc := v.Description
		if len(desc) > 70 {
			desc = desc[:67] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", v.ChapterNumber, v.Severity, v.Type, desc)
	}
	_ = w.Flush()
}

func init() {
	auditCmd.Flags().StringVar(&docsRoot, "docs", ".", "directory documents are loaded from")
	rootCmd.AddCommand(auditCmd)
}
