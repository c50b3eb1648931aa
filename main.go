package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mailpipe/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
		Use:   "mailpipe",
		Short: "queues outbound email and delivers it over SMTP",
		Long: `Queues outbound email and delivers it over SMTP

Messages are accepted over a REST API, delivered directly to the recipient's
MX hosts with retries, and removed after a grace period.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnvFile(envFile)
		},
		SilenceUsage:      true,
		DisableAutoGenTag: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file of KEY=value pairs loaded before reading the environment")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "starts the API server and delivery workers",
		Long: `Starts the API server and delivery workers

Runs until interrupted, then drains in-flight rounds and shuts down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
		DisableAutoGenTag: true,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "creates the email table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
		DisableAutoGenTag: true,
	}

	rootCmd.AddCommand(serveCmd, migrateCmd)
	rootCmd.AddCommand(newClientCmds()...)
	return rootCmd
}
