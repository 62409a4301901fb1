// ABOUTME: Fetch command for one-off metadata lookups
// ABOUTME: Queues package ids on one provider, runs its worker and prints the statuses

package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/service"
)

// pollInterval is how often the fetch command checks for finished ids.
const pollInterval = 200 * time.Millisecond

func newFetchCmd() *cobra.Command {
	var (
		outputJSON bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fetch <provider> <package-id>...",
		Short: "Fetch metadata for package ids",
		Long: `Fetch metadata for one or more package ids from a metadata provider
(googleplay, fdroid or apkmirror). Fresh cached rows are served without
a network request; everything else is fetched at the provider's pace.

Examples:
  pkgmeta fetch fdroid org.fdroid.fdroid
  pkgmeta fetch googleplay com.android.chrome com.google.android.gm --json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			svc, err := openService(ctx, service.WithInMemoryDigests())
			if err != nil {
				return err
			}
			defer svc.Close()

			f, err := svc.Fetcher(args[0])
			if err != nil {
				return err
			}
			statuses, err := fetchAll(ctx, f, args[1:])
			if err != nil {
				return err
			}

			if outputJSON {
				return printJSON(cmd.OutOrStdout(), statuses)
			}
			return printFetchTable(cmd.OutOrStdout(), statuses)
		},
	}

	cmd.Flags().BoolVarP(&outputJSON, "json", "j", false, "output results as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long (0 waits forever)")

	return cmd
}

// fetchAll queues ids, runs the worker until every id is terminal and
// returns the final statuses.
func fetchAll(ctx context.Context, f service.Fetcher, ids []string) (map[string]service.FetchView, error) {
	f.EnqueueBatch(ids)
	f.Start(ctx)
	defer f.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		out, done := collect(f, ids)
		if done {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return out, fmt.Errorf("waiting for %s: %w", f.Provider(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func collect(f service.Fetcher, ids []string) (map[string]service.FetchView, bool) {
	out := make(map[string]service.FetchView, len(ids))
	done := true
	for _, id := range ids {
		st, ok := f.Status(id)
		if !ok || !st.State.IsTerminal() {
			done = false
		}
		out[id] = st
	}
	return out, done
}

func printFetchTable(w io.Writer, statuses map[string]service.FetchView) error {
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PACKAGE\tSTATE\tDETAIL")
	for _, id := range ids {
		st := statuses[id]
		detail := st.Reason
		if st.Record != nil {
			detail = fmt.Sprintf("%+v", st.Record)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", id, st.State, detail)
	}
	return tw.Flush()
}
