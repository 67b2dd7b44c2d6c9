package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/ingestion"
	"github.com/spf13/cobra"
)

func newListCmd(env func() *Env) *cobra.Command {
	var status, next string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ingestions, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := ingestion.ListParams{Status: status, Next: next}
			if limit > 0 {
				params.Limit = strconv.Itoa(limit)
			}
			q, err := params.ToQuery()
			if err != nil {
				return err
			}
			page, err := env().Service.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return writeJSON(cmd.OutOrStdout(), page)
			}
			writeTable(cmd.OutOrStdout(), page.Items)
			if page.Next != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nnext: %s\n", page.Next)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only ingestions in this status")
	cmd.Flags().StringVar(&next, "next", "", "continue from a previous page token")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (default 10, max 1000)")
	return cmd
}

func newGetCmd(env func() *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "get OWNER ID",
		Short: "Show one ingestion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := env().Service.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return writeRecord(cmd, rec)
		},
	}
}

func newCancelCmd(env func() *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel OWNER ID",
		Short: "Cancel a queued ingestion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := env().Service.Cancel(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return writeRecord(cmd, rec)
		},
	}
}

func newRemoveCmd(env func() *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "remove OWNER ID",
		Short: "Delete an ingestion record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := env().Service.Remove(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func writeRecord(cmd *cobra.Command, rec ingestion.Record) error {
	if getOutputFormat(cmd) == "json" {
		return writeJSON(cmd.OutOrStdout(), rec)
	}
	writeTable(cmd.OutOrStdout(), []ingestion.Record{rec})
	return nil
}

func writeTable(w io.Writer, recs []ingestion.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "OWNER\tID\tSTATUS\tCREATED\tUPDATED\tMESSAGE")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedBy, r.ID, r.Status,
			r.CreatedAt.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339), r.Message)
	}
	_ = tw.Flush()
}
