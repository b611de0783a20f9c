package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/flomq/internal/cmd/client"
	serverrun "github.com/rzbill/flomq/internal/cmd/server"
	cfgpkg "github.com/rzbill/flomq/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "flomq",
		Short:        "flomq message broker",
		Long:         "flomq is a single-node message broker with a durable journal and flow-controlled delivery.",
		SilenceUsage: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a flomq node",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	f := serverStartCmd.Flags()
	f.String("config", os.Getenv("FLOMQ_CONFIG"), "Config file (.json or .toml)")
	f.String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	f.String("grpc", "", "gRPC listen address")
	f.String("http", "", "HTTP admin listen address (empty string disables)")
	f.String("fsync", "", "Metadata fsync mode: always|interval|never")
	f.Bool("journal-sync", true, "fsync the journal on every group commit")
	f.Bool("auto-create", true, "Declare unknown addresses on subscribe")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	rootCmd.AddCommand(
		clientcmd.NewJournalCommand(),
		clientcmd.NewHealthCommand(),
		clientcmd.NewBenchCommand(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, FLOMQ_* variables and
// explicitly set flags, in that order.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	cfgpkg.FromEnv(&cfg)

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("grpc") {
		cfg.GRPCAddr, _ = flags.GetString("grpc")
	}
	if flags.Changed("http") {
		cfg.HTTPAddr, _ = flags.GetString("http")
	}
	if flags.Changed("fsync") {
		cfg.Storage.Fsync, _ = flags.GetString("fsync")
	}
	if flags.Changed("journal-sync") {
		cfg.Journal.Sync, _ = flags.GetBool("journal-sync")
	}
	if flags.Changed("auto-create") {
		cfg.AllowAutoCreate, _ = flags.GetBool("auto-create")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	return cfg, cfg.Validate()
}
