package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"perfwatch/storage"
)

func AlertsCommand() *cobra.Command {
	var (
		dbPath    string
		since     time.Duration
		component string
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List journaled alert events",
		Long:  `List alert events recorded in the SQLite journal, oldest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since <= 0 {
				return fmt.Errorf("--since must be positive, got %s", since)
			}
			// NewJournal would create a missing file; listing must not.
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("open alert journal: %w", err)
			}
			journal, err := storage.NewJournal(dbPath, nil)
			if err != nil {
				return err
			}
			defer journal.Close()

			now := time.Now()
			records, err := journal.Query(cmd.Context(), component, now.Add(-since), now)
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), records, now)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "./data/alerts.db", "path to the alert journal")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	cmd.Flags().StringVar(&component, "component", "", "only show events of this component")
	return cmd
}

func printRecords(out io.Writer, records []storage.AlertRecord, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No alert events found.")
		return
	}

	// Create a tabwriter for pretty output
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "WHEN\tEVENT\tSEVERITY\tCOMPONENT\tMETRIC\tREASON\tMESSAGE")
	fmt.Fprintln(w, "----\t-----\t--------\t---------\t------\t------\t-------")

	for _, r := range records {
		msg := r.Message
		if r.Note != "" {
			msg += " (" + r.Note + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.RelTime(r.At, now, "ago", "from now"),
			r.Event,
			r.Severity,
			r.Component,
			r.Metric,
			r.Reason,
			msg,
		)
	}

	w.Flush()
}
