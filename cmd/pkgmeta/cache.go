// ABOUTME: Cache command for inspecting and maintaining the provider tables
// ABOUTME: Purges not-found rows, flushes tables and prints row counts

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/service"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain cached rows",
	}

	cmd.AddCommand(newCachePurgeCmd())
	cmd.AddCommand(newCacheFlushCmd())
	cmd.AddCommand(newCacheStatsCmd())

	return cmd
}

func newCachePurgeCmd() *cobra.Command {
	var staleOnly bool

	cmd := &cobra.Command{
		Use:   "purge <provider>",
		Short: "Delete not-found rows so they are looked up again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, service.WithInMemoryDigests())
			if err != nil {
				return err
			}
			defer svc.Close()

			t, err := svc.Table(args[0])
			if err != nil {
				return err
			}
			var n int64
			if staleOnly {
				n, err = t.PurgeStaleNotFound(ctx, time.Now())
			} else {
				n, err = t.PurgeNotFound(ctx)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: purged %d not-found rows\n", t.Table(), n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&staleOnly, "stale", false, "only purge rows past the cache TTL")

	return cmd
}

func newCacheFlushCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "flush <provider>",
		Short: "Delete every row of a provider table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("flush deletes every cached row of %s; pass --yes to confirm", args[0])
			}

			ctx := cmd.Context()
			svc, err := openService(ctx, service.WithInMemoryDigests())
			if err != nil {
				return err
			}
			defer svc.Close()

			t, err := svc.Table(args[0])
			if err != nil {
				return err
			}
			n, err := t.Flush(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted %d rows\n", t.Table(), n)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the flush")

	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "stats [provider]",
		Short: "Print row counts by outcome",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, service.WithInMemoryDigests())
			if err != nil {
				return err
			}
			defer svc.Close()

			names := args
			if len(names) == 0 {
				names = append(svc.FetcherNames(), svc.ScannerNames()...)
			}

			type row struct {
				Provider string `json:"provider"`
				Table    string `json:"table"`
				Found    int    `json:"found"`
				NotFound int    `json:"not_found"`
				Pending  int    `json:"pending"`
			}
			rows := make([]row, 0, len(names))
			for _, name := range names {
				t, err := svc.Table(name)
				if err != nil {
					return err
				}
				c, err := t.Count(ctx)
				if err != nil {
					return err
				}
				rows = append(rows, row{Provider: name, Table: t.Table(), Found: c.Found, NotFound: c.NotFound, Pending: c.Pending})
			}

			if outputJSON {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tTABLE\tFOUND\tNOT FOUND\tPENDING")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", r.Provider, r.Table, r.Found, r.NotFound, r.Pending)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVarP(&outputJSON, "json", "j", false, "output as JSON")

	return cmd
}
