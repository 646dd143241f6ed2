package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/toolsweep/internal/config"
	"github.com/signalnine/toolsweep/internal/report"
	"github.com/signalnine/toolsweep/internal/storage"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [snapshot.json]",
		Short: "Summarize stored results per model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				snap, err := storage.ReadSnapshotFile(args[0])
				if err != nil {
					return err
				}
				return report.Generate(snap, flagFormat, cmd.OutOrStdout())
			}
			dual, err := openDual()
			if err != nil {
				return err
			}
			snap, err := dual.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("loading aggregate: %w", err)
			}
			return report.Generate(snap, flagFormat, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	return cmd
}

func openDual() (*storage.Dual, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return storage.NewDual(cfg.Storage.Dir, cfg.Storage.Primary, logger)
}
