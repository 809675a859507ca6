package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-kit/op"
	"github.com/c0deZ3R0/go-offline-kit/synckit"
)

// StatusResult is the output of the status command.
type StatusResult struct {
	Backend string        `json:"backend"`
	Stats   synckit.Stats `json:"stats"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending, processing and failed op counts",
		Long: `Open the engine and print how many ops are queued, in flight and
quarantined.

Exit codes:
  0 - No unarchived failed ops
  1 - At least one op is quarantined
  2 - Command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), opts, cmd)
		},
	}
}

func runStatus(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	e, err := opts.openEngine(ctx, nil)
	if err != nil {
		return opts.fail(cmd, err)
	}
	defer e.Close()

	stats, err := e.Stats(ctx)
	if err != nil {
		return opts.fail(cmd, WrapExitError(ExitCommandError, "failed to read stats", err))
	}
	res := StatusResult{Backend: opts.Config.Storage.Backend, Stats: stats}
	err = opts.out(cmd).result(res, func(w io.Writer) error {
		fmt.Fprintf(w, "backend\t%s\n", res.Backend)
		fmt.Fprintf(w, "pending\t%d\n", stats.Pending)
		fmt.Fprintf(w, "processing\t%d\n", stats.Processing)
		fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
		fmt.Fprintf(w, "archived\t%d\n", stats.Archived)
		return nil
	})
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d failed ops need attention", stats.Failed)}
	}
	return nil
}

// ReplayResult is the output of the replay command.
type ReplayResult struct {
	RolledBack      []string `json:"rolled_back"`
	Removed         int      `json:"removed"`
	Corrupt         int      `json:"corrupt"`
	RestoreFailures int      `json:"restore_failures"`
	Recovered       int      `json:"recovered"`
	IndexRebuilt    bool     `json:"index_rebuilt"`
	Quarantined     int      `json:"quarantined"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Run startup recovery and report what it did",
		Long: `Roll back transactions a crashed process left in the journal, requeue
ops that were in flight, rebuild the pending index if it diverged and move
exhausted ops left in the queue to the failed store.
Recovery runs on every engine start; this command only reports it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.openEngine(cmd.Context(), nil)
			if err != nil {
				return opts.fail(cmd, err)
			}
			defer e.Close()

			s := e.Startup()
			res := ReplayResult{
				RolledBack:      s.Replay.RolledBack,
				Removed:         s.Replay.Removed,
				Corrupt:         s.Replay.Corrupt,
				RestoreFailures: s.Replay.RestoreFailures,
				Recovered:       s.Recovered,
				IndexRebuilt:    s.IndexRebuilt,
				Quarantined:     s.Quarantined,
			}
			if res.RolledBack == nil {
				res.RolledBack = []string{}
			}
			return opts.out(cmd).result(res, func(w io.Writer) error {
				fmt.Fprintf(w, "rolled back\t%d\n", len(res.RolledBack))
				for _, id := range res.RolledBack {
					fmt.Fprintf(w, "  %s\n", id)
				}
				fmt.Fprintf(w, "corrupt records\t%d\n", res.Corrupt)
				fmt.Fprintf(w, "restore failures\t%d\n", res.RestoreFailures)
				fmt.Fprintf(w, "recovered in-flight\t%d\n", res.Recovered)
				fmt.Fprintf(w, "index rebuilt\t%t\n", res.IndexRebuilt)
				fmt.Fprintf(w, "quarantined exhausted\t%d\n", res.Quarantined)
				return nil
			})
		},
	}
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the pending queue",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending ops in FIFO order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.openEngine(cmd.Context(), nil)
			if err != nil {
				return opts.fail(cmd, err)
			}
			defer e.Close()

			ops, err := e.ListPending(cmd.Context(), limit)
			if err != nil {
				return opts.fail(cmd, WrapExitError(ExitCommandError, "failed to list queue", err))
			}
			if ops == nil {
				ops = []op.PendingOp{}
			}
			return opts.out(cmd).result(ops, func(w io.Writer) error {
				fmt.Fprintln(w, "ID\tTYPE\tENTITY\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tCREATED")
				for _, p := range ops {
					next := "-"
					if p.NextAttemptAt != nil {
						next = p.NextAttemptAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						p.ID, p.Type, p.EntityKey(), p.Status, p.Attempts, next, p.CreatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 0, "maximum ops to list (0 lists all)")
	cmd.AddCommand(list)
	return cmd
}

// IndexCheckResult is the output of index check.
type IndexCheckResult struct {
	Rebuilt bool `json:"rebuilt"`
	Pending int  `json:"pending"`
}

// NewIndexCommand creates the index command group.
func NewIndexCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Maintain the pending index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Compare the pending index with the queue and rebuild it on divergence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.openEngine(ctx, nil)
			if err != nil {
				return opts.fail(cmd, err)
			}
			defer e.Close()

			rebuilt, err := e.CheckIndex(ctx)
			if err != nil {
				return opts.fail(cmd, WrapExitError(ExitCommandError, "index check failed", err))
			}
			// Open already checked once; report either rebuild.
			res := IndexCheckResult{Rebuilt: rebuilt || e.Startup().IndexRebuilt}
			pending, err := e.ListPending(ctx, 0)
			if err != nil {
				return opts.fail(cmd, WrapExitError(ExitCommandError, "failed to list queue", err))
			}
			res.Pending = len(pending)
			return opts.out(cmd).result(res, func(w io.Writer) error {
				if res.Rebuilt {
					fmt.Fprintf(w, "index rebuilt\t%d ops\n", res.Pending)
				} else {
					fmt.Fprintf(w, "index consistent\t%d ops\n", res.Pending)
				}
				return nil
			})
		},
	})
	return cmd
}
