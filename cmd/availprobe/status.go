package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/availprobe/internal/telemetry"
)

type statusStore interface {
	AllLatest(ctx context.Context) ([]telemetry.StoredAvailability, error)
}

func executeStatus(cmd *cobra.Command, db statusStore) error {
	out := cmd.OutOrStdout()
	records, err := db.AllLatest(context.Background())
	if err != nil {
		return fmt.Errorf("querying status: %w", err)
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No run history. Run 'availprobe serve' or 'availprobe run' first.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TEST\tLOCATION\tSTATUS\tDURATION\tLAST RUN\tMESSAGE")
	for _, r := range records {
		status := "down"
		if r.Success {
			status = "up"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Name,
			r.RunLocation,
			status,
			r.Duration.Round(time.Millisecond),
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.Message,
		)
	}
	w.Flush()
	return nil
}
