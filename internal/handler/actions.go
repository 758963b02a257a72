package handler

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hera-ops/corrctl/internal/config"
	"github.com/hera-ops/corrctl/internal/sshx"
	"github.com/hera-ops/corrctl/internal/store"
	"github.com/hera-ops/corrctl/internal/wire"
)

// stopWait bounds how long the stop action waits for the recording flag to
// clear before escalating.
const stopWait = 30 * time.Second

// runner binds the action table to the site programs and hosts. exec is a
// field so tests can intercept program invocations.
type runner struct {
	s    store.Store
	cfg  config.Handler
	exec func(ctx context.Context, name string, args ...string) error
}

// DefaultActions returns the hardware action table for a deployed handler.
func DefaultActions(s store.Store, cfg config.Handler) map[string]Action {
	r := &runner{s: s, cfg: cfg, exec: runProgram}
	return r.table()
}

// TestActions returns a table whose actions perform no hardware side effects
// but still produce the result fields callers depend on.
func TestActions(s store.Store) map[string]Action {
	noop := func(ctx context.Context, env wire.Envelope) (map[string]any, error) {
		return nil, nil
	}
	record := func(ctx context.Context, env wire.Envelope) (map[string]any, error) {
		starttime, err := argFloat(env, "starttime")
		if err != nil {
			return nil, err
		}
		return map[string]any{"starttime": starttime}, nil
	}
	pam := func(ctx context.Context, env wire.Envelope) (map[string]any, error) {
		if rw, _ := argString(env, "rw"); rw == "r" {
			return map[string]any{"val": 0}, nil
		}
		return nil, nil
	}
	return map[string]Action{
		"record": record, "stop": noop, "hard_stop": noop, "start": noop,
		"phase_switch": noop, "rf_switch": noop, "snap_eq": noop, "pam_atten": pam,
	}
}

func (r *runner) table() map[string]Action {
	return map[string]Action{
		"record":       r.record,
		"stop":         r.stop,
		"hard_stop":    r.hardStop,
		"start":        r.start,
		"phase_switch": r.phaseSwitch,
		"rf_switch":    r.rfSwitch,
		"snap_eq":      r.snapEQ,
		"pam_atten":    r.pamAtten,
	}
}

// runProgram invokes a site program and folds a failure's output tail into
// the error, which ends up in the status record's err field.
func runProgram(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := strings.TrimSpace(string(out))
		if len(tail) > 400 {
			tail = tail[len(tail)-400:]
		}
		if tail != "" {
			return fmt.Errorf("%s: %w: %s", name, err, tail)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// record starts data capture: stop whatever is running, arm the trigger,
// then start the catcher for the computed number of files.
func (r *runner) record(ctx context.Context, env wire.Envelope) (map[string]any, error) {
	starttime, err := argFloat(env, "starttime") // unix ms
	if err != nil {
		return nil, err
	}
	duration, err := argFloat(env, "duration") // seconds
	if err != nil {
		return nil, err
	}
	acclenF, err := argFloat(env, "acclen")
	if err != nil {
		return nil, err
	}
	tag, _ := argString(env, "tag")
	if tag == "" {
		tag = "engineering"
	}

	if err := r.stopCapture(ctx); err != nil {
		log.Warn().Err(err).Msg("pre-record stop reported a failure")
	}
	log.Info().Msg("starting correlator")

	// The BDA config folds 4 GPU integrations into each output sample.
	acclen := int(acclenF) / 4
	// File length is fixed relative to the underlying integration rate:
	// Nt_per_file * Nsamp_bda * acclen * time_demux * 2 spectra per file.
	fileDurationMs := int(2 * 2 * float64(acclen*2) * float64(r.cfg.XPipes) * 2 * 8192 / 500e6 * 1000)

	if err := r.exec(ctx, r.cfg.Programs.Control, "start",
		"-n", strconv.Itoa(acclen),
		"-t", fmt.Sprintf("%f", starttime/1000)); err != nil {
		return nil, err
	}

	// Shorter observations get a single file of the requested length;
	// longer ones get fixed-size files, rounding the count down.
	fileTimeMs := fileDurationMs
	nfiles := int(1000 * duration / float64(fileDurationMs))
	if int(1000*duration) < fileDurationMs {
		fileTimeMs = int(1000 * duration)
		nfiles = 1
	}
	log.Info().Str("host", r.cfg.CatcherHost).Int("files", nfiles).Int("file_ms", fileTimeMs).
		Msg("taking data")
	if err := r.exec(ctx, r.cfg.Programs.TakeData,
		"-m", strconv.Itoa(fileTimeMs),
		"-n", strconv.Itoa(nfiles),
		"--tag", tag, r.cfg.CatcherHost); err != nil {
		return nil, err
	}

	// The control program records the trigger it actually armed; fall back
	// to the commanded time when it doesn't.
	trig, ok, err := store.TrigTime(ctx, r.s)
	if err != nil || !ok {
		trig = starttime / 1000
		if err := store.SetTrigTime(ctx, r.s, trig); err != nil {
			return nil, err
		}
	}
	if err := store.SetRecording(ctx, r.s, true); err != nil {
		return nil, err
	}
	return map[string]any{"starttime": trig * 1000}, nil
}

// stop ends data capture and stops the X-engine integrations.
func (r *runner) stop(ctx context.Context, env wire.Envelope) (map[string]any, error) {
	return nil, r.stopCapture(ctx)
}

func (r *runner) stopCapture(ctx context.Context) error {
	log.Info().Msg("stopping correlator")
	if err := r.exec(ctx, r.cfg.Programs.StopData, r.cfg.CatcherHost); err != nil {
		return err
	}
	// The catcher clears the data-taking flag on its way down; give it a
	// bounded window before escalating to the trigger control.
	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		recording, _, err := store.Recording(ctx, r.s)
		if err == nil && !recording {
			log.Info().Msg("correlator is not recording")
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if err := r.exec(ctx, r.cfg.Programs.Control, "stop"); err != nil {
		return err
	}
	return store.SetRecording(ctx, r.s, false)
}

// hardStop takes the data catcher and X-engines down unconditionally.
func (r *runner) hardStop(ctx context.Context, env wire.Envelope) (map[string]any, error) {
	log.Info().Str("program", r.cfg.Programs.CatcherDown).Msg("issuing catcher down")
	if err := r.exec(ctx, r.cfg.Programs.CatcherDown); err != nil {
		return nil, err
	}
	log.Info().Str("program", r.cfg.Programs.XtorDown).Msg("issuing xtor down")
	if err := r.exec(ctx, r.cfg.Programs.XtorDown); err != nil {
		return nil, err
	}
	return nil, nil
}

// start initializes the F-engines on the SNAP head node over SSH, then
// brings up the X-engine pipelines and the data catcher.
func (r *runner) start(ctx context.Context, env wire.Envelope) (map[string]any, error) {
	snap, err := r.snapClient()
	if err != nil {
		return nil, err
	}
	init := r.cfg.Programs.SnapInit
	// Program and initialize first; -p leaves booted boards alone so a
	// second call after a partial boot is more likely to work. Sync arm is
	// a separate pass.
	for _, remote := range []string{
		fmt.Sprintf("source %s && %s -p -i --noredistapcp --nomultithread", r.cfg.Snap.Env, init),
		fmt.Sprintf("source %s && %s -s -e --noredistapcp", r.cfg.Snap.Env, init),
	} {
		log.Info().Str("cmd", remote).Str("host", r.cfg.Snap.Host).Msg("issuing SNAP init")
		if out, err := snap.RunCommand(ctx, remote); err != nil {
			return nil, fmt.Errorf("snap init: %w: %s", err, strings.TrimSpace(out))
		}
	}

	log.Info().Str("program", r.cfg.Programs.XtorUp).Msg("issuing xtor up")
	xtorArgs := append([]string{"--runtweak", "--redislog"}, r.cfg.XHosts...)
	if err := r.exec(ctx, r.cfg.Programs.XtorUp, xtorArgs...); err != nil {
		return nil, err
	}
	log.Info().Str("program", r.cfg.Programs.CatcherUp).Msg("issuing catcher up")
	if err := r.exec(ctx, r.cfg.Programs.CatcherUp, "--redislog", r.cfg.CatcherHost); err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *runner) snapClient() (*sshx.Client, error) {
	signer, err := sshx.LoadSigner(r.cfg.Snap.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("snap head key: %w", err)
	}
	cli := &sshx.Client{
		Addr:    r.cfg.Snap.Host + ":22",
		User:    r.cfg.Snap.User,
		Signer:  signer,
		Timeout: 30 * time.Second,
		Retries: 1,
	}
	if r.cfg.Snap.KnownHosts != "" {
		kh, err := sshx.LoadKnownHosts(r.cfg.Snap.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("snap head known_hosts: %w", err)
		}
		cli.KnownHosts = kh
	}
	return cli, nil
}

// phaseSwitch toggles phase switching and records the new state flag.
func (r *runner) phaseSwitch(ctx context.Context, env wire.Envelope) (map[string]any, error) {
	activate, err := argBool(env, "activate")
	if err != nil {
		return nil, err
	}
	arg := "off"
	if activate {
		arg = "on"
	}
	if err := r.exec(ctx, r.cfg.Programs.PhaseSwitch, arg); err != nil {
		return nil, err
	}
	return nil, store.SetSwitch(ctx, r.s, store.KeyPhaseSwitch, activate)
}

// rfSwitch routes one feed (or all feeds) to the antenna, load, or noise
// diode, and mirrors the resulting switch state flags.
func (r *runner) rfSwitch(ctx context.Context, env wire.Envelope) (map[string]any, error) {
	inputSel, err := argString(env, "input_sel")
	if err != nil {
		return nil, err
	}
	switch inputSel {
	case "antenna", "load", "noise":
	default:
		return nil, fmt.Errorf("invalid input_sel %q", inputSel)
	}
	args := []string{inputSel}
	ant, haveAnt := env.Args["ant"].(float64)
	if haveAnt {
		args = append(args, "-a", strconv.Itoa(int(ant)))
	}
	if err := r.exec(ctx, r.cfg.Programs.FemSwitch, args...); err != nil {
		return nil, err
	}
	if haveAnt {
		// Single-feed moves update the per-antenna mirror only; the global
		// flags still describe the array as a whole.
		fields := map[string]string{"fem_switch": inputSel}
		for _, pol := range []string{"e", "n"} {
			key := fmt.Sprintf("status:ant:%d:%s", int(ant), pol)
			if err := r.s.SetHashFields(ctx, key, fields); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	if err := store.SetSwitch(ctx, r.s, store.KeyNoiseDiode, inputSel == "noise"); err != nil {
		return nil, err
	}
	return nil, store.SetSwitch(ctx, r.s, store.KeyLoad, inputSel == "load")
}

// snapEQ stores new digital EQ coefficients for a feed; the F-engine monitor
// daemon applies whatever is in the store on its next pass.
func (r *runner) snapEQ(ctx context.Context, env wire.Envelope) (map[string]any, error) {
	ant, err := argInt(env, "ant")
	if err != nil {
		return nil, err
	}
	pol, err := argString(env, "pol")
	if err != nil {
		return nil, err
	}
	rawCoeffs, ok := env.Args["coeffs"].([]any)
	if !ok {
		return nil, fmt.Errorf("snap_eq: missing coeffs")
	}
	coeffs := make([]float64, 0, len(rawCoeffs))
	for _, v := range rawCoeffs {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("snap_eq: non-numeric coefficient %v", v)
		}
		coeffs = append(coeffs, f)
	}
	return nil, store.SetEQCoeffs(ctx, r.s, ant, pol, coeffs)
}

// pamAtten reads or writes a feed's post-amplifier attenuation.
func (r *runner) pamAtten(ctx context.Context, env wire.Envelope) (map[string]any, error) {
	ant, err := argInt(env, "ant")
	if err != nil {
		return nil, err
	}
	pol, err := argString(env, "pol")
	if err != nil {
		return nil, err
	}
	rw, err := argString(env, "rw")
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("status:ant:%d:%s", ant, pol)
	switch rw {
	case "r":
		h, err := r.s.Hash(ctx, key)
		if err != nil {
			return nil, err
		}
		val, err := strconv.Atoi(h["pam_atten"])
		if err != nil {
			return nil, fmt.Errorf("no attenuation reading for ant %d pol %s", ant, pol)
		}
		return map[string]any{"val": val}, nil
	case "w":
		val, err := argInt(env, "val")
		if err != nil {
			return nil, err
		}
		if err := r.exec(ctx, r.cfg.Programs.PamAtten,
			"-a", strconv.Itoa(ant), "-p", pol, "-v", strconv.Itoa(val)); err != nil {
			return nil, err
		}
		if err := r.s.SetHashFields(ctx, key, map[string]string{
			"pam_atten": strconv.Itoa(val),
		}); err != nil {
			return nil, err
		}
		return map[string]any{"val": val}, nil
	default:
		return nil, fmt.Errorf("pam_atten: rw must be \"r\" or \"w\", got %q", rw)
	}
}

func argFloat(env wire.Envelope, name string) (float64, error) {
	v, ok := env.Args[name].(float64)
	if !ok {
		return 0, fmt.Errorf("%s: missing numeric arg %q", env.Command, name)
	}
	return v, nil
}

func argInt(env wire.Envelope, name string) (int, error) {
	v, err := argFloat(env, name)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func argString(env wire.Envelope, name string) (string, error) {
	v, ok := env.Args[name].(string)
	if !ok {
		return "", fmt.Errorf("%s: missing string arg %q", env.Command, name)
	}
	return v, nil
}

func argBool(env wire.Envelope, name string) (bool, error) {
	v, ok := env.Args[name].(bool)
	if !ok {
		return false, fmt.Errorf("%s: missing bool arg %q", env.Command, name)
	}
	return v, nil
}
