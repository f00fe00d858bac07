package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/ted-keystonepartners/tevor/pkg/config"
)

var version = "dev"

const defaultConfigPath = "tevor.yaml"

func main() {
	root := &cobra.Command{
		Use:           "tevor",
		Short:         "TEVOR: construction site assistant backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newProjectCmd(),
		newHistoryCmd(),
		newCacheCmd(),
		newMCPCmd(),
		newConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads path, falling back to built-in defaults when the default
// config file does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.PersistentFlags().StringVarP(path, "config", "c", defaultConfigPath, "path to config file")
}
