// Command creditctl is the operator CLI for the credit engine. It reads the
// same CREDIT_* configuration as the server and talks to the database
// directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/warp/credit-engine/app"
	"github.com/warp/credit-engine/config"
)

var Version = "dev"

func main() {
	// an interrupted reconcile stops between accounts and is recorded as such
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	rootCmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "creditctl - credit ledger operations",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before CREDIT_* variables")

	load := func() (config.Config, error) {
		return config.Load(envFile)
	}
	open := func() (*app.App, error) {
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		// the CLI never serves traffic, so the cache would only go stale
		cfg.Cache = config.CacheNone
		return app.New(cfg, cfg.Logger())
	}

	rootCmd.AddCommand(reconcileCmd(open))
	rootCmd.AddCommand(runsCmd(open))
	rootCmd.AddCommand(balanceCmd(open))
	rootCmd.AddCommand(resolveCmd(open))
	rootCmd.AddCommand(linkCmd(open))
	rootCmd.AddCommand(importLegacyCmd(open))
	rootCmd.AddCommand(migrateCmd(open))
	rootCmd.AddCommand(tokenCmd(load))

	return rootCmd
}
