package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/reconcile"
	"github.com/spf13/cobra"
)

func newReconcileCmd(env func() *Env) *cobra.Command {
	var only string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Fail stale processing ingestions, re-drive old queued ones, prune the feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := env().Reconciler
			ctx := cmd.Context()
			var sum reconcile.Summary
			var err error
			switch only {
			case "":
				sum, err = r.RunOnce(ctx)
			case "stale":
				sum.Failed, err = r.FailStale(ctx)
			case "redrive":
				sum.Redriven, err = r.RedriveQueued(ctx)
			case "prune":
				sum.Pruned, err = r.Prune(ctx)
			default:
				return fmt.Errorf("unknown step %q: use stale, redrive or prune", only)
			}
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return writeJSON(cmd.OutOrStdout(), sum)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "failed: %d\nredriven: %d\npruned: %d\n", sum.Failed, sum.Redriven, sum.Pruned)
			return nil
		},
	}
	cmd.Flags().StringVar(&only, "only", "", "run a single step: stale, redrive or prune")
	return cmd
}

func newDeadLetterCmd(env func() *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Work with dead-lettered feed batches",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Re-queue the still-queued ingestions of every dead-lettered batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := env()
			if e.DeadLetters == nil {
				return errors.New("no dead letter source configured")
			}
			batches, records, err := e.Reconciler.ReplayDeadLetters(cmd.Context(), e.DeadLetters)
			if getOutputFormat(cmd) == "json" {
				if werr := writeJSON(cmd.OutOrStdout(), map[string]int{"batches": batches, "requeued": records}); werr != nil {
					return werr
				}
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "batches: %d\nrequeued: %d\n", batches, records)
			}
			return err
		},
	})
	return cmd
}

func newFeedCmd(env func() *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Inspect the change feed",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the feed head and the consumer group lag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := env()
			head, err := e.Feed.Head(cmd.Context())
			if err != nil {
				return err
			}
			lag, err := e.Feed.Lag(cmd.Context(), e.Group)
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"group": e.Group, "head": head, "lag": lag})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "group: %s\nhead: %d\nlag: %d\n", e.Group, head, lag)
			return nil
		},
	})
	return cmd
}

func newTokenCmd(env func() *Env) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token USERNAME",
		Short: "Issue a development bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := env()
			if e.Signer == nil {
				return errors.New("JWT_SECRET is not set")
			}
			token, err := e.Signer.Issue(args[0], ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
