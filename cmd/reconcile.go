package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/toolsweep/internal/aggregate"
	"github.com/signalnine/toolsweep/internal/report"
	"github.com/signalnine/toolsweep/internal/storage"
)

var errDrift = errors.New("storage layouts disagree")

func newReconcileCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the hierarchical and flat layouts and report drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			dual, err := openDual()
			if err != nil {
				return err
			}
			rep, err := dual.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			if err := report.Drift(rep, format, cmd.OutOrStdout()); err != nil {
				return err
			}
			if !rep.Clean() {
				return fmt.Errorf("%w: run `toolsweep repair` to rebuild the %s layout", errDrift, rep.Primary)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "output format (table, markdown, json)")
	return cmd
}

func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Merge buckets missing from the primary layout and rewrite both layouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			dual, err := openDual()
			if err != nil {
				return err
			}
			snap, err := dual.Repair(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Repaired %s: %d buckets, %d instances\n",
				dual.Primary(), len(snap.Tree), snap.Tree.Totals().Total)
			return nil
		},
	}
}

func newMergeCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "merge <a.json> <b.json>...",
		Short: "Merge hierarchical snapshots from separate runs into one",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			merged := aggregate.Tree{}
			for _, path := range args {
				snap, err := storage.ReadSnapshotFile(path)
				if err != nil {
					return err
				}
				merged = aggregate.MergeTrees(merged, snap.Tree)
			}
			// The merged file is not tied to any journal.
			snap := aggregate.NewSnapshot(merged, 0)
			if err := storage.WriteSnapshotFile(out, snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Merged %d snapshots into %s (%d buckets)\n", len(args), out, len(merged))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "merged.json", "output file")
	return cmd
}
