package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hera-ops/corrctl/internal/client"
	"github.com/hera-ops/corrctl/internal/config"
	"github.com/hera-ops/corrctl/internal/sshx"
)

// Start recording
func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Start data collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			startIn, _ := cmd.Flags().GetDuration("start-in")
			duration, _ := cmd.Flags().GetFloat64("duration")
			accSecs, _ := cmd.Flags().GetFloat64("acc-secs")
			tag, _ := cmd.Flags().GetString("tag")
			c, _, _, cleanup, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			// acclen is rounded to whole 2048-spectra blocks.
			acclen := int(client.SecsToNSpectra(accSecs)/2048) * 2048
			starttime := time.Now().Add(startIn).UnixMilli()
			accepted, err := c.TakeData(cmd.Context(), starttime, duration, acclen, tag)
			if err != nil {
				return err
			}
			fmt.Printf("recording starts at %s\n", time.UnixMilli(accepted).Format(time.UnixDate))
			return nil
		},
	}
	cmd.Flags().Duration("start-in", 30*time.Second, "delay before the start trigger")
	cmd.Flags().Float64("duration", 60, "observation length in seconds")
	cmd.Flags().Float64("acc-secs", 10, "integration time per dump in seconds")
	cmd.Flags().String("tag", "engineering", "tag stored in the data file headers")
	return cmd
}

// Stop recording
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop data collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, _, cleanup, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			return c.StopTakingData(cmd.Context())
		},
	}
}

// Hard start
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Initialize the F-engines and bring up the X-engines and catcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, _, cleanup, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			return c.Start(cmd.Context())
		},
	}
}

// Hard stop
func newHardStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hard-stop",
		Short: "Stop the X-engines and data catcher unconditionally",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, _, cleanup, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			return c.HardStop(cmd.Context())
		},
	}
}

// Power cycle
func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Power cycle the correlator back to the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, _, cleanup, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			return c.Restart(cmd.Context())
		},
	}
}

// Phase switching
func newPhaseSwitchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "phase-switch {on|off|state}",
		Short:     "Enable, disable, or query phase switching",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off", "state"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, _, cleanup, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			switch args[0] {
			case "on":
				return c.PhaseSwitchEnable(cmd.Context())
			case "off":
				return c.PhaseSwitchDisable(cmd.Context())
			default:
				on, since, err := c.PhaseSwitchIsOn(cmd.Context())
				if err != nil {
					return err
				}
				printState("phase switching", on, since)
				return nil
			}
		},
	}
	return cmd
}

// RF path switching
func newRFCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "rf {antenna|noise|load|state}",
		Short:     "Route the FEM input to the antenna, noise diode, or load",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"antenna", "noise", "load", "state"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, _, cleanup, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			var ant *int
			if v, _ := cmd.Flags().GetInt("ant"); v >= 0 {
				ant = &v
			}
			switch args[0] {
			case "antenna":
				return c.AntennaEnable(cmd.Context(), ant)
			case "noise":
				return c.NoiseDiodeEnable(cmd.Context(), ant)
			case "load":
				return c.LoadEnable(cmd.Context(), ant)
			default:
				noise, nSince, err := c.NoiseDiodeIsOn(cmd.Context())
				if err != nil {
					return err
				}
				load, lSince, err := c.LoadIsOn(cmd.Context())
				if err != nil {
					return err
				}
				printState("noise diode", noise, nSince)
				printState("load", load, lSince)
				return nil
			}
		},
	}
	cmd.Flags().Int("ant", -1, "antenna number (default: all antennas)")
	return cmd
}

// EQ coefficients
func newEQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eq {get|set}",
		Short: "Read or load digital EQ coefficients for a feed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ant, _ := cmd.Flags().GetInt("ant")
			pol, _ := cmd.Flags().GetString("pol")
			c, _, _, cleanup, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			switch args[0] {
			case "get":
				coeffs, uploaded, err := c.GetEQCoeffs(cmd.Context(), ant, pol)
				if err != nil {
					return err
				}
				fmt.Printf("uploaded %s: %v\n", time.Unix(int64(uploaded), 0).Format(time.UnixDate), coeffs)
				return nil
			case "set":
				if len(args) < 2 {
					return fmt.Errorf("eq set needs coefficient values")
				}
				coeffs := make([]float64, 0, len(args)-1)
				for _, a := range args[1:] {
					v, err := strconv.ParseFloat(a, 64)
					if err != nil {
						return fmt.Errorf("invalid coefficient %q", a)
					}
					coeffs = append(coeffs, v)
				}
				return c.SetEQCoeffs(cmd.Context(), ant, pol, coeffs)
			default:
				return fmt.Errorf("unknown eq subcommand %q", args[0])
			}
		},
	}
	cmd.Flags().Int("ant", 0, "antenna number")
	cmd.Flags().String("pol", "e", "polarization (e or n)")
	_ = cmd.MarkFlagRequired("ant")
	return cmd
}

// PAM attenuation
func newAttenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "atten {get|set VALUE}",
		Short: "Read or set the PAM attenuation for a feed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ant, _ := cmd.Flags().GetInt("ant")
			pol, _ := cmd.Flags().GetString("pol")
			c, _, _, cleanup, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			switch args[0] {
			case "get":
				val, err := c.GetPamAtten(cmd.Context(), ant, pol)
				if err != nil {
					return err
				}
				fmt.Printf("%d dB\n", val)
				return nil
			case "set":
				if len(args) != 2 {
					return fmt.Errorf("atten set needs a value in dB")
				}
				val, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid attenuation %q", args[1])
				}
				return c.SetPamAtten(cmd.Context(), ant, pol, val)
			default:
				return fmt.Errorf("unknown atten subcommand %q", args[0])
			}
		},
	}
	cmd.Flags().Int("ant", 0, "antenna number")
	cmd.Flags().String("pol", "e", "polarization (e or n)")
	_ = cmd.MarkFlagRequired("ant")
	return cmd
}

// Configuration upload/inspection
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config {show|upload FILE}",
		Short: "Inspect or replace the active correlator configuration",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, cfg, cleanup, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			switch args[0] {
			case "show":
				blob, uploaded, md5sum, err := c.Config(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("# uploaded %s md5 %s\n%s",
					time.Unix(int64(uploaded), 0).Format(time.UnixDate), md5sum, blob)
				return nil
			case "upload":
				if len(args) != 2 {
					return fmt.Errorf("config upload needs a file")
				}
				blob, err := os.ReadFile(args[1])
				if err != nil {
					return err
				}
				if err := c.UploadConfig(cmd.Context(), blob); err != nil {
					return err
				}
				if push, _ := cmd.Flags().GetBool("push"); push {
					return pushConfig(cmd, cfg.Handler.Snap, args[1])
				}
				return nil
			default:
				return fmt.Errorf("unknown config subcommand %q", args[0])
			}
		},
	}
	cmd.Flags().Bool("push", false, "also copy the file to the SNAP head node over SFTP")
	return cmd
}

func pushConfig(cmd *cobra.Command, snap config.SnapHost, localPath string) error {
	if snap.ConfigPath == "" {
		return fmt.Errorf("snap.config_path not configured")
	}
	signer, err := sshx.LoadSigner(snap.KeyPath)
	if err != nil {
		return err
	}
	cli := &sshx.Client{
		Addr:    snap.Host + ":22",
		User:    snap.User,
		Signer:  signer,
		Timeout: 15 * time.Second,
	}
	if snap.KnownHosts != "" {
		kh, err := sshx.LoadKnownHosts(snap.KnownHosts)
		if err != nil {
			return err
		}
		cli.KnownHosts = kh
	}
	return cli.PushFile(cmd.Context(), localPath, snap.ConfigPath)
}

// Status overview
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show recording state, switch states, and F-engine health",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, _, cleanup, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			recording, since, err := c.IsRecording(cmd.Context())
			if err != nil {
				return err
			}
			printState("recording", recording, since)
			next, err := c.NextStartTime(cmd.Context())
			if err == nil && next > 0 {
				fmt.Printf("next start:\t%s\n", time.Unix(int64(next), 0).Format(time.UnixDate))
			}
			if on, since, err := c.PhaseSwitchIsOn(cmd.Context()); err == nil {
				printState("phase switching", on, since)
			}
			if on, since, err := c.NoiseDiodeIsOn(cmd.Context()); err == nil {
				printState("noise diode", on, since)
			}
			if on, since, err := c.LoadIsOn(cmd.Context()); err == nil {
				printState("load", on, since)
			}
			snaps, err := c.FStatus(cmd.Context())
			if err != nil {
				return err
			}
			for host, s := range snaps {
				fmt.Printf("%s\tserial=%s temp=%.1fC pps=%d alert=%v\n",
					host, s.Serial, s.Temp, s.PPSCount, s.PmbAlert)
			}
			versions, err := c.Versions(cmd.Context())
			if err != nil {
				return err
			}
			for name, v := range versions {
				fmt.Printf("%s\tversion %s\n", name, v.Version)
			}
			return nil
		},
	}
}

func printState(name string, on bool, since float64) {
	state := "off"
	if on {
		state = "on"
	}
	if since > 0 {
		fmt.Printf("%s:\t%s since %s\n", name, state, time.Unix(int64(since), 0).Format(time.UnixDate))
		return
	}
	fmt.Printf("%s:\t%s\n", name, state)
}
