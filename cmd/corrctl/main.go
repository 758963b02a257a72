package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hera-ops/corrctl/internal/client"
	"github.com/hera-ops/corrctl/internal/config"
	"github.com/hera-ops/corrctl/internal/store"
)

var (
	version   = client.Version
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corrctl",
		Short: "corrctl: control a SNAP-based correlator through its shared Redis store",
		Long: "corrctl publishes commands to the correlator's Redis store and waits\n" +
			"for the command handler daemon (corrd) to report the outcome.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentFlags().StringP("redis", "r", "", "redis address (overrides config)")
	cmd.PersistentFlags().Bool("danger", false, "disable the only-when-not-recording command blocks")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		switch levelStr {
		case "trace":
			zerolog.SetGlobalLevel(zerolog.TraceLevel)
		case "debug":
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		case "info":
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		case "warn":
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		case "error":
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		case "fatal":
			zerolog.SetGlobalLevel(zerolog.FatalLevel)
		default:
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRecordCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newHardStopCmd())
	cmd.AddCommand(newRestartCmd())
	cmd.AddCommand(newPhaseSwitchCmd())
	cmd.AddCommand(newRFCmd())
	cmd.AddCommand(newEQCmd())
	cmd.AddCommand(newAttenCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("corrctl %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// resolveClient loads configuration and opens the store connection. The
// returned cleanup closes the connection.
func resolveClient(cmd *cobra.Command) (*client.CorrCM, *store.Redis, config.Config, func(), error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, cfg, nil, err
	}
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		cfg.Redis.Addr = addr
	}
	danger, _ := cmd.Flags().GetBool("danger")
	r := store.NewRedis(cfg.Redis.Addr)
	if err := r.Ping(cmd.Context()); err != nil {
		_ = r.Close()
		return nil, nil, cfg, nil, fmt.Errorf("store at %s: %w", cfg.Redis.Addr, err)
	}
	c := client.New(r, cfg.Client, danger)
	return c, r, cfg, func() { _ = r.Close() }, nil
}

// Setup the logger
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Main entry point
func main() {
	setupLogger()
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
