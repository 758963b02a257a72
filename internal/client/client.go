// Package client implements the control side of the correlator command
// protocol: it publishes command envelopes to the shared store and polls the
// single status slot until its own command reaches a terminal phase.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hera-ops/corrctl/internal/config"
	"github.com/hera-ops/corrctl/internal/store"
	"github.com/hera-ops/corrctl/internal/wire"
)

// Correlator geometry used by the spectra/seconds conversions.
const (
	NChan      = 16384
	SampleRate = 500e6
)

// heartbeatProc names this engine's liveness key.
const heartbeatProc = "corrctl"

// CorrCM is a control connection to the correlator. Any number of CorrCM
// instances may poll concurrently; only their published commands contend for
// the single command slot.
type CorrCM struct {
	s   store.Store
	cfg config.Client
	// danger disables the only-when-not-recording guards, with a logged
	// warning per bypass.
	danger bool
}

// New builds a control connection over the given store. danger disables the
// recording guards and should only be set interactively.
func New(s store.Store, cfg config.Client, danger bool) *CorrCM {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StartToleranceMs <= 0 {
		cfg.StartToleranceMs = 250
	}
	if cfg.StateMaxAge <= 0 {
		cfg.StateMaxAge = 24 * time.Hour
	}
	return &CorrCM{s: s, cfg: cfg, danger: danger}
}

// sendAndWait publishes one command and polls the status slot until the
// handler reports a terminal phase for exactly this envelope, the timeout
// elapses, or ctx is canceled. The returned map is the handler's result
// args. There are no retries at this layer: retrying mints a new envelope
// and is the caller's decision.
func (c *CorrCM) sendAndWait(ctx context.Context, name string, args map[string]any, timeout time.Duration) (map[string]any, error) {
	env := wire.NewEnvelope(name, args)
	raw, err := env.Encode()
	if err != nil {
		return nil, err
	}
	receivers, err := c.s.PublishCommand(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", name, err)
	}
	if receivers == 0 {
		return nil, fmt.Errorf("%w: command %s not delivered", ErrNoListener, name)
	}
	log.Debug().Str("command", name).Float64("time", env.Time).Msg("command published")

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if err := store.Heartbeat(ctx, c.s, heartbeatProc, c.cfg.PollInterval); err != nil {
			log.Debug().Err(err).Msg("heartbeat write failed")
		}

		fields, err := c.s.Hash(ctx, store.KeyCommandStatus)
		if err != nil {
			log.Warn().Err(err).Msg("status slot read failed, retrying")
		} else if len(fields) > 0 {
			status, perr := wire.ParseStatus(fields)
			switch {
			case perr != nil:
				// Mid-write or garbage; skip the record, never abort.
				log.Warn().Err(perr).Msg("improperly formatted status, retrying")
			case !status.Matches(env):
				// Stale record from a previous command, or another
				// caller's command has superseded ours. The single-slot
				// protocol cannot tell these apart; keep polling until
				// the deadline.
				log.Debug().
					Str("want", env.Command).Float64("want_time", env.Time).
					Str("got", status.Command).Float64("got_time", status.Time).
					Msg("status slot holds a different command")
			case !status.Terminal():
				// Still running; fall through to the deadline check.
			case status.Status == wire.StatusErrored:
				if cause, ok := status.Err(); ok {
					return nil, fmt.Errorf("%w: %s: %s", ErrExecution, name, cause)
				}
				return nil, fmt.Errorf("%w: %s", ErrExecution, name)
			default:
				return status.Args, nil
			}
		}
		if timeout > 0 && time.Now().After(deadline) {
			log.Error().Str("command", name).Dur("timeout", timeout).
				Msg("no matching terminal status before deadline")
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, name, timeout)
		}
	}
}

// IsRecording reports whether the correlator is currently taking data, and
// the unix time of the last state change. Zero since means the state changed
// at an unknown time (e.g. after an ungraceful shutdown).
func (c *CorrCM) IsRecording(ctx context.Context) (bool, float64, error) {
	return store.Recording(ctx, c.s)
}

// NextStartTime returns the last trigger time handed to the correlator. A
// future value means the correlator is waiting to start; zero means no valid
// trigger exists.
func (c *CorrCM) NextStartTime(ctx context.Context) (float64, error) {
	t, ok, err := store.TrigTime(ctx, c.s)
	if err != nil || !ok {
		return 0, err
	}
	return t, nil
}

// SecsToNSpectra converts an interval in seconds to a number of spectra.
func SecsToNSpectra(secs float64) float64 {
	return secs / ((2.0 * NChan) / SampleRate)
}

// NSpectraToSecs converts a number of spectra to an interval in seconds.
func NSpectraToSecs(n float64) float64 {
	return n * ((2.0 * NChan) / SampleRate)
}

// requireNotRecording blocks state-changing commands while data-taking is in
// progress. A stale flag still blocks: with no way to confirm the recorder
// died, refusing is the safe interpretation. Danger mode bypasses the guard
// with a warning.
func (c *CorrCM) requireNotRecording(ctx context.Context) error {
	active, since, err := store.Recording(ctx, c.s)
	if err != nil {
		return fmt.Errorf("read recording state: %w", err)
	}
	if !active {
		return nil
	}
	if since > 0 {
		age := time.Since(time.Unix(int64(since), 0))
		if age > c.cfg.StateMaxAge {
			log.Warn().Dur("age", age).
				Msg("recording flag is older than the staleness bound; trusting it anyway")
		}
	}
	if c.danger {
		log.Warn().Msg("correlator is recording, but command blocks are disabled")
		return nil
	}
	return fmt.Errorf("%w: correlator is recording", ErrGuardViolation)
}

// verifySwitch confirms a switch flag reached the desired position after a
// command completed. A complete status only means the action ran; this is the
// caller's confirmation that the state actually changed.
func (c *CorrCM) verifySwitch(ctx context.Context, key string, want bool) error {
	on, _, err := store.Switch(ctx, c.s, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if on != want {
		return fmt.Errorf("%s did not reach desired state %v", key, want)
	}
	return nil
}

// IsGuardViolation reports whether err is a refused safety guard.
func IsGuardViolation(err error) bool { return errors.Is(err, ErrGuardViolation) }

// IsTimeout reports whether err is an ambiguous protocol timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
