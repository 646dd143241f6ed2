package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/toolsweep/internal/config"
	"github.com/signalnine/toolsweep/internal/credential"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List credentials and the credential each model is assigned",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			pool, err := credential.NewPool(cfg.Credentials, cfg.Classes, logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Credentials:")
			for _, c := range pool.Credentials() {
				fmt.Fprintf(out, "  - %d (key: %s, rate: %s)\n", c.ID, orNone(c.APIKeyEnv), rateOf(c))
			}
			fmt.Fprintln(out, "\nModels:")
			for _, m := range cfg.Sweep.Models {
				class, ok := pool.ClassOf(m)
				if !ok {
					class = "unknown class"
				}
				fmt.Fprintf(out, "  - %s -> credential %d [%s]\n", m, pool.AssignCredential(m), class)
			}
			return nil
		},
	}
}

func rateOf(c credential.Credential) string {
	if c.RequestsPerSecond == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%g/s", c.RequestsPerSecond)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
