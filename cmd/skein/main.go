// Command skein runs and administers the workflow engine: a worker
// pool, schema migrations, and inspection tooling over the store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skeinworks/skein/config"
	"github.com/skeinworks/skein/store"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "skein",
		Short:         "Durable workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to skein.toml (default: ./skein.toml)")

	root.AddCommand(
		newWorkerCmd(),
		newInitCmd(),
		newListCmd(),
		newInspectCmd(),
		newStatsCmd(),
		newCancelCmd(),
		newCleanCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "skein:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgPath)
}

// openStore opens the configured backend without running migrations.
func openStore() (*config.Config, store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := cfg.OpenStore()
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

func newLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}
