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
	"github.com/hera-ops/corrctl/internal/handler"
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
		Use:   "corrd",
		Short: "corrd: the correlator command handler daemon",
		Long: "corrd watches the shared Redis store for published commands and runs\n" +
			"them against the correlator hardware, one at a time.",
		RunE:          runDaemon,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringP("log", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	cmd.Flags().String("config", "", "config file")
	cmd.Flags().StringP("redis", "r", "", "redis address (overrides config)")
	cmd.Flags().Bool("testmode", false, "replace hardware actions with no-op stand-ins")

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
			fmt.Printf("corrd %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		cfg.Redis.Addr = addr
	}

	r := store.NewRedis(cfg.Redis.Addr)
	defer r.Close()
	if err := r.Ping(cmd.Context()); err != nil {
		return fmt.Errorf("store at %s: %w", cfg.Redis.Addr, err)
	}

	// Fan logs out to the site-wide log channel as well as the console.
	log.Logger = log.Output(zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
		store.NewLogWriter(r),
	))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := r.SetHashFields(ctx, "version:corrd", map[string]string{
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		log.Warn().Err(err).Msg("version report failed")
	}

	var actions map[string]handler.Action
	if testmode, _ := cmd.Flags().GetBool("testmode"); testmode {
		log.Warn().Msg("test mode: hardware actions replaced with stand-ins")
		actions = handler.TestActions(r)
	}

	h := handler.New(r, cfg.Handler, actions)
	log.Info().Str("redis", cfg.Redis.Addr).Str("version", version).Msg("corrd starting")
	if err := h.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("corrd shutting down")
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
