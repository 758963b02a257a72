// Package config loads the shared YAML configuration for the corrctl CLI,
// the corrd handler, and the corr-reporter daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree. Zero values fall back to the
// defaults below, so a config file only needs the fields it changes.
type Config struct {
	Redis    Redis    `yaml:"redis"`
	Client   Client   `yaml:"client"`
	Handler  Handler  `yaml:"handler"`
	Reporter Reporter `yaml:"reporter"`
}

type Redis struct {
	Addr string `yaml:"addr"`
}

// Client tunes the caller protocol engine.
type Client struct {
	// PollInterval is the delay between status slot reads while waiting.
	PollInterval time.Duration `yaml:"poll_interval"`
	// StartToleranceMs bounds the difference between a commanded and an
	// accepted recording start time before the caller reports failure.
	StartToleranceMs float64 `yaml:"start_tolerance_ms"`
	// StateMaxAge is the age past which a guard logs that the recording
	// flag it consulted may be stale. The guard still honors the flag.
	StateMaxAge time.Duration `yaml:"state_max_age"`
}

// Handler tunes the executor daemon and names the sub-programs its actions
// invoke. The programs are opaque to this module; only their exit codes and
// a handful of store keys they maintain are observed.
type Handler struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// CatcherHost is the data catcher machine handed to capture programs.
	CatcherHost string `yaml:"catcher_host"`
	// XHosts are the X-engine machines handed to the pipeline programs.
	XHosts []string `yaml:"x_hosts"`
	// XPipes is the number of hashpipe instances per X-engine host.
	XPipes int `yaml:"x_pipes"`
	// Snap describes the F-engine head node reached over SSH.
	Snap     SnapHost `yaml:"snap"`
	Programs Programs `yaml:"programs"`
}

// SnapHost is the SSH endpoint for F-engine initialization.
type SnapHost struct {
	Host       string `yaml:"host"`
	User       string `yaml:"user"`
	Env        string `yaml:"env"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	// ConfigPath is where uploaded correlator configs are pushed on the
	// head node.
	ConfigPath string `yaml:"config_path"`
}

// Programs names the shell-invoked sub-programs bound to handler actions.
type Programs struct {
	Control     string `yaml:"control"`
	TakeData    string `yaml:"take_data"`
	StopData    string `yaml:"stop_data"`
	CatcherUp   string `yaml:"catcher_up"`
	CatcherDown string `yaml:"catcher_down"`
	XtorUp      string `yaml:"xtor_up"`
	XtorDown    string `yaml:"xtor_down"`
	SnapInit    string `yaml:"snap_init"`
	PhaseSwitch string `yaml:"phase_switch"`
	FemSwitch   string `yaml:"fem_switch"`
	PamAtten    string `yaml:"pam_atten"`
}

// Reporter tunes the daemon-status reporter.
type Reporter struct {
	DBPath   string        `yaml:"db_path"`
	Interval time.Duration `yaml:"interval"`
	// Daemons are the heartbeat names expected to be alive somewhere on the
	// site network.
	Daemons []string `yaml:"daemons"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Redis: Redis{Addr: "redishost:6379"},
		Client: Client{
			PollInterval:     time.Second,
			StartToleranceMs: 250,
			StateMaxAge:      24 * time.Hour,
		},
		Handler: Handler{
			PollInterval:      time.Second,
			HeartbeatInterval: 60 * time.Second,
			CatcherHost:       "corr-sn1",
			XPipes:            2,
			Snap: SnapHost{
				Host: "snap-head",
				User: "corr",
				Env:  "~/.venv/bin/activate",
			},
			Programs: Programs{
				Control:     "hera_ctl.py",
				TakeData:    "hera_catcher_take_data.py",
				StopData:    "hera_catcher_stop_data.py",
				CatcherUp:   "hera_catcher_up.py",
				CatcherDown: "hera_catcher_down.sh",
				XtorUp:      "xtor_up.py",
				XtorDown:    "xtor_down.sh",
				SnapInit:    "hera_snap_feng_init.py",
				PhaseSwitch: "hera_phase_switch.py",
				FemSwitch:   "hera_fem_switch.py",
				PamAtten:    "hera_pam_atten.py",
			},
		},
		Reporter: Reporter{
			DBPath:   "corr_daemon_status.db",
			Interval: 60 * time.Second,
			Daemons: []string{
				"corrd",
				"corr-reporter",
			},
		},
	}
}

// Load reads YAML configuration from a path over the defaults. If path is
// empty, it resolves $XDG_CONFIG_HOME/corrctl/config.yaml or
// ~/.config/corrctl/config.yaml; a missing default file is not an error.
// CORR_REDIS_ADDR overrides the store address either way.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "corrctl", "config.yaml")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return applyEnv(cfg), nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("CORR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	return cfg
}
