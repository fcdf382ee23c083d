package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pscheid92/sessiongate/internal/domain"
	"github.com/pscheid92/sessiongate/internal/platform/config"
	"github.com/spf13/cobra"
)

const (
	storeTimeout     = 30 * time.Second
	defaultRetention = 7 * 24 * time.Hour
)

func newSessionsCmd(d *deps, cfg *config.AdminConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain stored session records",
	}
	cmd.AddCommand(newSessionsListCmd(d, cfg))
	cmd.AddCommand(newSessionsPruneCmd(d, cfg))
	return cmd
}

func newSessionsListCmd(d *deps, cfg *config.AdminConfig) *cobra.Command {
	var (
		tenantID string
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List session records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
			defer cancel()

			store, closeStore, err := d.openStore(ctx, cfg, d.clock)
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := store.List(ctx, tenantID)
			if err != nil {
				return err
			}
			if !all {
				records = openOnly(records)
			}
			return printRecords(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "only list records of this tenant")
	cmd.Flags().BoolVar(&all, "all", false, "include closed records")
	return cmd
}

func openOnly(records []domain.SessionRecord) []domain.SessionRecord {
	out := records[:0]
	for _, r := range records {
		if r.Open() {
			out = append(out, r)
		}
	}
	return out
}

func recordStatus(r domain.SessionRecord) string {
	switch {
	case !r.Open():
		return "closed"
	case r.Active:
		return "active"
	default:
		return "pending"
	}
}

func printRecords(w io.Writer, records []domain.SessionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION ID\tTENANT\tSTATUS\tSITE\tCREATED\tCLOSE REASON")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SessionID, r.TenantID, recordStatus(r), dash(r.SiteName),
			r.CreatedAt.UTC().Format(time.RFC3339), dash(r.CloseReason))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newSessionsPruneCmd(d *deps, cfg *config.AdminConfig) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete closed session records past the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive (got %s)", olderThan)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
			defer cancel()

			store, closeStore, err := d.openStore(ctx, cfg, d.clock)
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := store.PruneClosed(ctx, olderThan)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d closed session(s)\n", n)
			return err
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", defaultRetention, "retention for closed records")
	return cmd
}
