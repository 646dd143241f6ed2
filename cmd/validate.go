package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/toolsweep/internal/aggregate"
	"github.com/signalnine/toolsweep/internal/config"
	"github.com/signalnine/toolsweep/internal/credential"
	"github.com/signalnine/toolsweep/internal/storage"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and the stored aggregate",
		Long:  "Load the config, the secrets file and the credential pool, then decode both storage layouts and verify their counter invariants.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			secrets, err := cfg.LoadSecrets()
			if err != nil {
				return err
			}
			pool, err := credential.NewPool(cfg.Credentials, cfg.Classes, logger)
			if err != nil {
				return err
			}
			for _, c := range pool.Credentials() {
				if c.APIKeyEnv == "" {
					continue
				}
				if _, ok := secrets[c.APIKeyEnv]; !ok {
					fmt.Fprintf(out, "warning: credential %d: %s not in secrets file, will read the environment\n", c.ID, c.APIKeyEnv)
				}
			}

			dual, err := storage.NewDual(cfg.Storage.Dir, cfg.Storage.Primary, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "config ok: %d models, %d credentials\n", len(cfg.Sweep.Models), len(pool.Credentials()))
			layouts := []struct {
				name string
				load func(context.Context) (*aggregate.Snapshot, error)
			}{
				{"hierarchical", dual.LoadHierarchical},
				{"flat", dual.LoadFlat},
			}
			for _, l := range layouts {
				snap, err := l.load(cmd.Context())
				switch {
				case errors.Is(err, storage.ErrNotFound):
					fmt.Fprintf(out, "%s: not written yet\n", l.name)
				case err != nil:
					return fmt.Errorf("%s layout: %w", l.name, err)
				default:
					fmt.Fprintf(out, "%s ok: %d buckets (journal seq %d)\n", l.name, len(snap.Tree), snap.JournalSeq)
				}
			}
			return nil
		},
	}
}
