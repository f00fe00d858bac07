package main

import (
	"errors"
	"fmt"

	"github.com/hay-kot/criterio"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := cfg.Validate(); err != nil {
				var fieldErrs criterio.FieldErrors
				if errors.As(err, &fieldErrs) {
					for _, fe := range fieldErrs {
						fmt.Fprintf(out, "  %s: %v\n", fe.Field, fe.Err)
					}
				}
				return fmt.Errorf("%s: invalid config", configPath)
			}

			fmt.Fprintf(out, "%s: ok (%d providers, cache enabled: %t)\n", configPath, len(cfg.Providers), cfg.Cache.Enabled)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.AddCommand(checkCmd)
	return cmd
}
