package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Harvest pending items",
		Long: `Claims pending items in batches and processes them until none remain (--once)
or until interrupted. An interrupted run finishes its in-flight batch first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := a.Run(cmd.Context())
			a.Logger().Info("run summary",
				zap.Int("batches", sum.Batches),
				zap.Int("claimed", sum.Claimed),
				zap.Int("done", sum.Done),
				zap.Int("failed", sum.Failed),
				zap.Int("requeued", sum.Requeued),
				zap.Int64("refreshes", sum.Refreshes),
			)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return printJSON(cmd, sum)
		},
	}
	cmd.Flags().BoolVar(&opts.once, "once", false, "stop when no pending items remain")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Return stale claimed items to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("reset %d stale items\n", n)
			return nil
		},
	}
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in once and persist the session credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := a.Login(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("session generation %d obtained at %s", sess.Generation, sess.ObtainedAt.Format("2006-01-02T15:04:05Z07:00"))
			if !sess.ExpiresAt.IsZero() {
				cmd.Printf(", expires %s", sess.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			cmd.Println()
			return nil
		},
	}
}

func newEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue ID...",
		Short: "Add job ids or job links as pending items",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Enqueue(cmd.Context(), args...)
			if err != nil {
				return err
			}
			cmd.Printf("enqueued %d of %d items\n", n, len(args))
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print work item counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := a.Counts(cmd.Context())
			if err != nil {
				return err
			}
			statuses := make([]string, 0, len(counts))
			for status := range counts {
				statuses = append(statuses, string(status))
			}
			sort.Strings(statuses)
			for _, status := range statuses {
				cmd.Printf("%-8s %d\n", status, counts[harvest.Status(status)])
			}
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
