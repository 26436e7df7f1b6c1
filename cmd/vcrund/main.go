// vcrund is the vSphere script execution daemon and its operator CLI.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/vsphere-runner/internal/auth"
	"github.com/sakif/vsphere-runner/internal/config"
	"github.com/sakif/vsphere-runner/internal/server"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "vcrund",
	Short: "PowerCLI script execution service for vSphere",
	Long: `vcrund runs PowerShell/PowerCLI scripts against vCenter, either as
isolated processes or on a pool of warm interpreters with the automation
modules preloaded. It exposes an HTTP API for execution, persistent
sessions, run history and environment diagnostics.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := newLogger(cfg, os.Stdout)

		srv, err := server.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing server: %w", err)
		}
		return srv.Start()
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <key>",
	Short: "Print the bcrypt hash of an API key for the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to vcrund.yaml (default ./vcrund.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(hashKeyCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
