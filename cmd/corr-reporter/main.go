package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hera-ops/corrctl/internal/client"
	"github.com/hera-ops/corrctl/internal/config"
	"github.com/hera-ops/corrctl/internal/reporter"
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
		Use:   "corr-reporter",
		Short: "corr-reporter: record site daemon liveness into a local database",
		Long: "corr-reporter scans the shared store's heartbeat keys on an interval\n" +
			"and appends the observed daemon states to a SQLite history.",
		RunE:          runReporter,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringP("log", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	cmd.Flags().String("config", "", "config file")
	cmd.Flags().StringP("redis", "r", "", "redis address (overrides config)")
	cmd.Flags().String("db", "", "sqlite database path (overrides config)")

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
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("corr-reporter %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func runReporter(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if dbPath, _ := cmd.Flags().GetString("db"); dbPath != "" {
		cfg.Reporter.DBPath = dbPath
	}

	r := store.NewRedis(cfg.Redis.Addr)
	defer r.Close()
	if err := r.Ping(cmd.Context()); err != nil {
		return fmt.Errorf("store at %s: %w", cfg.Redis.Addr, err)
	}

	db, err := reporter.OpenDB(cfg.Reporter.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep := reporter.New(r, db, cfg.Reporter.Daemons, cfg.Reporter.Interval)
	log.Info().Str("redis", cfg.Redis.Addr).Str("db", cfg.Reporter.DBPath).
		Msg("corr-reporter starting")
	if err := rep.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("corr-reporter shutting down")
	return nil
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
