package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-kit/failed"
	"github.com/c0deZ3R0/go-offline-kit/synckit"
)

// NewFailedCommand creates the failed command group.
func NewFailedCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect and act on quarantined ops",
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List quarantined ops, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, e *synckit.Engine) error {
				list, err := e.ListFailed(ctx, all)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list failed ops", err)
				}
				if list == nil {
					list = []failed.FailedOp{}
				}
				return opts.out(cmd).result(list, func(w io.Writer) error {
					fmt.Fprintln(w, "ID\tENTITY\tATTEMPTS\tCODE\tFAILED AT\tARCHIVED\tERROR")
					for _, f := range list {
						fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%t\t%s\n",
							f.ID, f.Operation.EntityKey(), f.Attempts, f.Error.Code,
							f.FailedAt.Format(time.RFC3339), f.Archived, f.Error.Message)
					}
					return nil
				})
			})
		},
	}
	list.Flags().BoolVarP(&all, "all", "a", false, "include archived ops")

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed op with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, e *synckit.Engine) error {
				p, err := e.RetryFailed(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.out(cmd).result(p, func(w io.Writer) error {
					fmt.Fprintf(w, "requeued %s as %s\n", args[0], p.ID)
					return nil
				})
			})
		},
	}

	archive := idCommand(opts, "archive", "Hide a failed op from default listings", "archived",
		func(ctx context.Context, e *synckit.Engine, id string) error { return e.ArchiveFailed(ctx, id) })
	unarchive := idCommand(opts, "unarchive", "Show an archived op again", "unarchived",
		func(ctx context.Context, e *synckit.Engine, id string) error { return e.UnarchiveFailed(ctx, id) })
	del := idCommand(opts, "delete", "Delete a failed op permanently", "deleted",
		func(ctx context.Context, e *synckit.Engine, id string) error { return e.DeleteFailed(ctx, id) })

	cmd.AddCommand(list, retry, archive, unarchive, del)
	return cmd
}

func idCommand(opts *RootOptions, use, short, verb string, fn func(ctx context.Context, e *synckit.Engine, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, e *synckit.Engine) error {
				if err := fn(ctx, e, args[0]); err != nil {
					return err
				}
				return opts.out(cmd).result(map[string]string{"id": args[0], "action": verb}, func(w io.Writer) error {
					fmt.Fprintf(w, "%s %s\n", verb, args[0])
					return nil
				})
			})
		},
	}
}

// withEngine opens the engine, runs fn and renders any error.
func withEngine(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, e *synckit.Engine) error) error {
	ctx := cmd.Context()
	e, err := opts.openEngine(ctx, nil)
	if err != nil {
		return opts.fail(cmd, err)
	}
	defer e.Close()
	if err := fn(ctx, e); err != nil {
		return opts.fail(cmd, err)
	}
	return nil
}
