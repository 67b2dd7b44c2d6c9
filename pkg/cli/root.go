// Package cli implements ingestctl, the operator tool for the ingestion
// queue.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/ingestion"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/reconcile"
	"github.com/spf13/cobra"
)

// FeedStatus reports change feed progress.
type FeedStatus interface {
	Head(ctx context.Context) (uint64, error)
	Lag(ctx context.Context, group string) (int64, error)
}

// TokenSigner issues development bearer tokens.
type TokenSigner interface {
	Issue(username string, ttl time.Duration) (string, error)
}

// Env is what the commands operate on. Optional members may be nil; the
// commands that need them fail with a clear message.
type Env struct {
	Service     *ingestion.Service
	Reconciler  *reconcile.Reconciler
	Feed        FeedStatus
	Group       string
	DeadLetters reconcile.DeadLetterSource
	Signer      TokenSigner
	Close       func() error
}

// EnvFactory builds the Env lazily so that --help works without a database.
type EnvFactory func(ctx context.Context) (*Env, error)

func NewRootCmd(factory EnvFactory) *cobra.Command {
	var env *Env
	root := &cobra.Command{
		Use:           "ingestctl",
		Short:         "Operate the STAC ingestion queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutputFormat(getOutputFormat(cmd)); err != nil {
				return err
			}
			if env == nil {
				e, err := factory(cmd.Context())
				if err != nil {
					return err
				}
				env = e
			}
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if env != nil && env.Close != nil {
				return env.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringP("output", "o", "table", "output format: table or json")

	get := func() *Env { return env }
	root.AddCommand(
		newListCmd(get),
		newGetCmd(get),
		newCancelCmd(get),
		newRemoveCmd(get),
		newReconcileCmd(get),
		newDeadLetterCmd(get),
		newFeedCmd(get),
		newTokenCmd(get),
	)
	return root
}

func getOutputFormat(cmd *cobra.Command) string {
	v, _ := cmd.Root().PersistentFlags().GetString("output")
	return v
}

func validateOutputFormat(output string) error {
	if output != "" && output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
