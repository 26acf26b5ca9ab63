package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/hazz-dev/availprobe/internal/config"
	"github.com/hazz-dev/availprobe/internal/engine"
	"github.com/hazz-dev/availprobe/internal/runner"
	"github.com/hazz-dev/availprobe/internal/scheduler"
	"github.com/hazz-dev/availprobe/internal/telemetry"
)

func executeRun(ctx context.Context, out io.Writer, cfg *config.Config, sinks []telemetry.Sink, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	guard := engine.NewGuard(engine.NewOrchestrator(proberFactory(cfg, logger), logger), logger)
	r := runner.New(cfg.RunConfig(), guard, sinks, runnerOptions(cfg), logger)

	rep := r.Execute(ctx, scheduler.Tick{ScheduledAt: time.Now(), Manual: true})
	printReport(out, rep)

	if !rep.Record.Success {
		return fmt.Errorf("availability run %s failed", rep.OperationID)
	}
	return nil
}

func printReport(out io.Writer, rep runner.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "URL\tSTATUS\tATTEMPTS\tCODE\tRESPONSE\tERROR")
	for _, res := range rep.Verdict.Results {
		status := "down"
		if res.Succeeded {
			status = "up"
		}
		code := "—"
		if res.Last.StatusCode != 0 {
			code = fmt.Sprint(res.Last.StatusCode)
		}
		resp := "—"
		if res.Last.ResponseTime > 0 {
			resp = res.Last.ResponseTime.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			res.URL,
			status,
			res.Attempts,
			code,
			resp,
			res.Last.Error,
		)
	}
	w.Flush()

	result := "FAILED"
	if rep.Record.Success {
		result = "PASSED"
	}
	fmt.Fprintf(out, "\n%s  %s (operation %s, %s)\n",
		result, rep.Record.Message, rep.OperationID, rep.Record.Duration.Round(time.Millisecond))
	if rep.FlushErr != nil {
		fmt.Fprintf(out, "warning: telemetry delivery failed: %v\n", rep.FlushErr)
	}
}
