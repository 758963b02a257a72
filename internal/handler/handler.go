// Package handler implements the executor side of the correlator command
// protocol: a single-threaded loop that detects newly published commands,
// owns the status slot, and dispatches to the hardware actions. Exactly one
// handler may run against a given store; two would double-process commands.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hera-ops/corrctl/internal/config"
	"github.com/hera-ops/corrctl/internal/store"
	"github.com/hera-ops/corrctl/internal/wire"
)

// heartbeatProc names this engine's liveness key.
const heartbeatProc = "corrd"

// Action performs one hardware operation. The returned map is merged into the
// status record's args on completion (e.g. the accepted start time); an error
// becomes an errored status with the error text as the cause. Actions may run
// for minutes and should honor ctx.
type Action func(ctx context.Context, env wire.Envelope) (map[string]any, error)

// Handler is the executor protocol engine.
type Handler struct {
	s       store.Store
	cfg     config.Handler
	actions map[string]Action
	// lastTime is the dedup marker: the issue time of the last command this
	// instance processed. It belongs to the instance, never to the process,
	// so restarts begin unset and multiple instances in tests stay
	// independent.
	lastTime *float64
}

// New builds a handler over the given store. A nil actions map wires the
// default hardware action table.
func New(s store.Store, cfg config.Handler, actions map[string]Action) *Handler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if actions == nil {
		actions = DefaultActions(s, cfg)
	}
	return &Handler{s: s, cfg: cfg, actions: actions}
}

// Run processes commands until ctx is canceled. Commands arrive through the
// store's pub/sub wake-up when it works and through the fixed-interval poll
// regardless; the poll is the guarantee, the wake-up is latency. A failing
// action never terminates the loop.
func (h *Handler) Run(ctx context.Context) error {
	wake, cancel, err := h.s.SubscribeCommands(ctx)
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	defer cancel()

	h.primeMarker(ctx)

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	var lastBeat time.Time
	log.Info().Msg("command handler running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
		if h.lastTime == nil {
			// A failed priming read left the marker unset; keep trying
			// before processing anything.
			h.primeMarker(ctx)
		} else if err := h.ProcessCommand(ctx); err != nil {
			log.Error().Err(err).Msg("command processing failed")
		}
		if time.Since(lastBeat) >= h.cfg.HeartbeatInterval/2 {
			if err := store.Heartbeat(ctx, h.s, heartbeatProc, h.cfg.HeartbeatInterval); err != nil {
				log.Warn().Err(err).Msg("heartbeat write failed")
			}
			lastBeat = time.Now()
		}
	}
}

// primeMarker initializes the dedup marker from the current slot contents.
// A command already present may have run before a restart and is recorded
// without executing; a successfully read empty slot means anything published
// from here on is new. A failed read leaves the marker unset so the caller
// retries: priming to zero on an unread slot would let a pre-restart command
// execute on the next cycle.
func (h *Handler) primeMarker(ctx context.Context) {
	if err := h.ProcessCommand(ctx); err != nil {
		log.Error().Err(err).Msg("startup slot read failed")
		return
	}
	if h.lastTime == nil {
		zero := 0.0
		h.lastTime = &zero
	}
}

// ProcessCommand reads the command slot once and executes the envelope there
// if it is new. Duplicate reads and replays after a restart are ignored: a
// command only runs when its issue time is strictly greater than the last
// processed one, and the first command seen after startup just initializes
// the marker.
func (h *Handler) ProcessCommand(ctx context.Context) error {
	raw, ok, err := h.s.Get(ctx, store.KeyCommand)
	if err != nil {
		return fmt.Errorf("read command slot: %w", err)
	}
	if !ok {
		return nil
	}
	env, err := wire.DecodeEnvelope([]byte(raw))
	if err != nil {
		// Malformed slot contents are skipped, not fatal, and do not
		// advance the dedup marker.
		log.Warn().Err(err).Msg("ignoring undecodable command")
		return nil
	}
	if h.lastTime == nil {
		// Restarted with a command already in the slot. It may have run
		// before the restart; executing it again is the one thing we must
		// not do.
		t := env.Time
		h.lastTime = &t
		log.Info().Str("command", env.Command).Float64("time", env.Time).
			Msg("recording pre-startup command without executing it")
		return nil
	}
	if env.Time <= *h.lastTime {
		return nil
	}
	t := env.Time
	h.lastTime = &t
	h.execute(ctx, env)
	return nil
}

// execute runs one accepted command through its action and owns every status
// slot write for it.
func (h *Handler) execute(ctx context.Context, env wire.Envelope) {
	log.Info().Str("command", env.Command).Interface("args", env.Args).Msg("got command")

	fields, err := wire.StatusFields(env, wire.StatusRunning)
	if err != nil {
		log.Error().Err(err).Msg("cannot encode status record")
		return
	}
	// This write is the acceptance: the command becomes visible to waiting
	// callers here, superseding the previous command's record.
	if err := store.ResetCommandStatus(ctx, h.s, fields); err != nil {
		log.Error().Err(err).Msg("cannot write running status")
		return
	}

	act, ok := h.actions[env.Command]
	if !ok {
		h.finish(ctx, wire.StatusErrored, map[string]any{
			"err": fmt.Sprintf("unknown command %q", env.Command),
		})
		return
	}
	result, err := h.runAction(ctx, act, env)
	if err != nil {
		log.Error().Err(err).Str("command", env.Command).Msg("command errored")
		h.finish(ctx, wire.StatusErrored, map[string]any{"err": err.Error()})
		return
	}
	h.finish(ctx, wire.StatusComplete, result)
}

// runAction converts an action panic into an error so a broken action cannot
// take the loop down.
func (h *Handler) runAction(ctx context.Context, act Action, env wire.Envelope) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return act(ctx, env)
}

// finish writes the terminal status, merging result fields into the args the
// record already carries.
func (h *Handler) finish(ctx context.Context, phase string, merge map[string]any) {
	fields, err := h.s.Hash(ctx, store.KeyCommandStatus)
	if err != nil {
		log.Error().Err(err).Msg("cannot read status slot for terminal write")
		return
	}
	args := map[string]any{}
	if raw := fields["args"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			log.Warn().Err(err).Msg("status args were unreadable, rebuilding")
			args = map[string]any{}
		}
	}
	for k, v := range merge {
		args[k] = v
	}
	enc, err := json.Marshal(args)
	if err != nil {
		log.Error().Err(err).Msg("cannot encode status args")
		return
	}
	now := wire.FormatTime(wire.Now())
	update := map[string]string{
		"status":      phase,
		"args":        string(enc),
		"update_time": now,
	}
	if phase == wire.StatusComplete {
		update["completion_time"] = now
	}
	if err := h.s.SetHashFields(ctx, store.KeyCommandStatus, update); err != nil {
		log.Error().Err(err).Msg("cannot write terminal status")
	}
}
