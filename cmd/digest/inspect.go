package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/RobinCoderZhao/news-digest/internal/digest/sources"
	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
)

func sourcesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources and their last fetch status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := setup(flags)
			if err != nil {
				return err
			}
			reg, err := s.LoadSources()
			if err != nil {
				return fmt.Errorf("load sources: %w", err)
			}

			var health []store.SourceHealth
			st, err := s.OpenStore(cmd.Context())
			if err != nil {
				fmt.Fprintf(os.Stderr, "history unavailable: %v\n", err)
			} else {
				defer st.Close()
				health, err = st.SourceHealthSince(cmd.Context(), time.Now().Add(-s.DedupWindow()))
				if err != nil {
					return err
				}
			}
			return printSources(os.Stdout, reg.All(), health, time.Now())
		},
	}
}

// printSources writes one line per source with its most recent health row.
// health must be ordered most recent first.
func printSources(w io.Writer, list []sources.Source, health []store.SourceHealth, now time.Time) error {
	latest := make(map[string]store.SourceHealth)
	for _, h := range health {
		if _, ok := latest[h.SourceID]; !ok {
			latest[h.SourceID] = h
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tBIAS\tHOST\tLAST STATUS\tARTICLES\tWHEN")
	for _, src := range list {
		status, articles, when := "-", "-", "never"
		if h, ok := latest[src.ID]; ok {
			status = h.Status
			if h.ErrorKind != "" {
				status += " (" + h.ErrorKind + ")"
			}
			articles = humanize.Comma(int64(h.Articles))
			when = humanize.RelTime(h.RunAt, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", src.ID, src.Name, src.Bias, src.Host(), status, articles, when)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d sources\n", len(list))
	return nil
}

func historyCmd(flags *globalFlags) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs and the headlines they presented",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := setup(flags)
			if err != nil {
				return err
			}
			if days <= 0 {
				days = s.Dedup.WindowDays
			}
			st, err := s.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			now := time.Now().UTC()
			window := store.NewWindow(now, time.Duration(days)*24*time.Hour)
			runs, err := st.Runs(cmd.Context(), 0)
			if err != nil {
				return err
			}
			headlines, err := st.HeadlinesWithin(cmd.Context(), window)
			if err != nil {
				return err
			}
			return printHistory(os.Stdout, window, runs, headlines, now)
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "days of history to show (default: the dedup window)")
	return cmd
}

// printHistory lists runs inside window, each followed by the headlines it
// recorded.
func printHistory(w io.Writer, window store.Window, runs []store.DigestRun, headlines []store.ShownHeadline, now time.Time) error {
	byRun := make(map[int64][]store.ShownHeadline)
	for _, h := range headlines {
		byRun[h.ShownAt.Unix()] = append(byRun[h.ShownAt.Unix()], h)
	}

	shown := 0
	for _, r := range runs {
		if !window.Contains(r.RunAt) {
			continue
		}
		shown++
		flags := ""
		if r.Partial {
			flags = " partial"
		}
		fmt.Fprintf(w, "%s (%s)  %s articles, %d narratives, %d sources failed%s\n",
			r.RunAt.Format("2006-01-02 15:04"), humanize.RelTime(r.RunAt, now, "ago", "from now"),
			humanize.Comma(int64(r.ArticlesFetched)), r.NarrativesPresented, r.SourcesFailed, flags)

		for _, h := range byRun[r.RunAt.Unix()] {
			label := string(h.Tier)
			if h.Cluster != "" {
				label += "/" + h.Cluster
			}
			fmt.Fprintf(w, "    [%s] %s\n", label, h.Headline)
		}
	}
	if shown == 0 {
		fmt.Fprintln(w, "no runs in the selected window")
	}
	return nil
}
