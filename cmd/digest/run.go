package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/RobinCoderZhao/news-digest/internal/digest/dedup"
	"github.com/RobinCoderZhao/news-digest/internal/digest/pipeline"
	"github.com/RobinCoderZhao/news-digest/internal/digest/scheduler"
)

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		dryRun bool
		every  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one digest cycle",
		Long:  "Fetch every source, deduplicate against recent history, write curator batches, run the curator and record the shown headlines.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), flags, dryRun, every)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run everything but do not record to the history store")
	cmd.Flags().DurationVar(&every, "every", 0, "keep running, one cycle per interval (e.g. 24h)")
	return cmd
}

func runPipeline(parent context.Context, flags *globalFlags, dryRun bool, every time.Duration) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, logger, err := setup(flags)
	if err != nil {
		return err
	}

	reg, err := s.LoadSources()
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}
	st, err := s.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := s.NewEngine(logger)
	if err != nil {
		return err
	}
	cur, err := s.NewCurator(logger)
	if err != nil {
		return err
	}

	p, err := pipeline.New(s.PipelineConfig(dryRun), reg, st, cur,
		pipeline.WithFetcher(s.NewFetcher(logger)),
		pipeline.WithEngine(engine),
		pipeline.WithAlerts(s.NewAlerts(logger)),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	runOnce := func(ctx context.Context) error {
		rep, err := p.Run(ctx)
		if rep != nil {
			printReport(os.Stdout, rep)
		}
		return err
	}
	if every <= 0 {
		return runOnce(ctx)
	}

	sched := scheduler.New(logger)
	sched.Add(scheduler.Job{Name: "digest", Fn: runOnce})
	if err := sched.Every(ctx, every); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printReport(w io.Writer, rep *pipeline.Report) {
	fmt.Fprintf(w, "Run %s at %s", rep.RunID, rep.RunAt.Format("2006-01-02 15:04:05 UTC"))
	if rep.DryRun {
		fmt.Fprint(w, " (dry run)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  sources:    %d fetched, %d failed", len(rep.Outcomes)-rep.SourcesFailed(), rep.SourcesFailed())
	if rep.Partial {
		fmt.Fprint(w, ", partial")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  articles:   %s since %s\n", humanize.Comma(int64(rep.Fetched)), humanize.Time(rep.Since))

	if len(rep.Discards) > 0 {
		reasons := make([]dedup.Reason, 0, len(rep.Discards))
		for r := range rep.Discards {
			reasons = append(reasons, r)
		}
		sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
		fmt.Fprint(w, "  discarded: ")
		for _, r := range reasons {
			fmt.Fprintf(w, " %s=%d", r, rep.Discards[r])
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  narratives: %d (%d updates)\n", rep.Narratives, rep.Updates)
	if rep.Manifest != nil {
		fmt.Fprintf(w, "  batches:    %d %v\n", rep.Manifest.Batches, rep.Manifest.ItemsPerBatch)
	}
	if rep.Skipped != "" {
		fmt.Fprintf(w, "  curator:    skipped (%s)\n", rep.Skipped)
	} else if rep.Selections != nil {
		fmt.Fprintf(w, "  curator:    %d selections\n", len(rep.Selections.Items))
	}
	for _, o := range rep.Outcomes {
		if o.Err != nil {
			fmt.Fprintf(w, "  ! %s: %s after %d attempts\n", o.SourceID, o.Kind, o.Attempts)
		}
	}
	fmt.Fprintf(w, "  recorded:   %d headlines in %s\n", len(rep.Recorded), rep.Duration.Round(time.Millisecond))
}
