package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"skillchain/services/escrowd/journal"
)

// newExportEventsCommand dumps a local event journal to parquet. It reads the
// journal file directly, so it runs next to escrowd rather than against the
// API.
func newExportEventsCommand(opts *rootOptions) *cobra.Command {
	var (
		journalPath string
		outPath     string
		after       int64
	)
	cmd := &cobra.Command{
		Use:   "export-events",
		Short: "Export the event journal to a parquet file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := journal.Open(journalPath)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer j.Close()
			n, err := j.ExportParquet(cmd.Context(), outPath, after)
			if err != nil {
				return err
			}
			result := map[string]any{"path": outPath, "events": n}
			return emit(cmd.OutOrStdout(), opts, result, func(w io.Writer) {
				fmt.Fprintf(w, "exported %d events to %s\n", n, outPath)
			})
		},
	}
	cmd.Flags().StringVar(&journalPath, "journal", "", "path to the escrowd journal database")
	cmd.Flags().StringVar(&outPath, "out", "events.parquet", "parquet output path")
	cmd.Flags().Int64Var(&after, "after", 0, "export events with a sequence above this cursor")
	_ = cmd.MarkFlagRequired("journal")
	return cmd
}
