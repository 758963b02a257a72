package client

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/hera-ops/corrctl/internal/store"
)

// Default deadlines per command family. Capture and power transitions run
// shell programs that can take minutes; switch and register commands are
// quick.
const (
	recordTimeout   = 120 * time.Second
	stopTimeout     = 40 * time.Second
	hardStopTimeout = 120 * time.Second
	startTimeout    = 300 * time.Second
	switchTimeout   = 60 * time.Second
)

// TakeData starts data collection. starttime is the requested unix start in
// milliseconds, duration the observation length in seconds, acclen the
// number of spectra per accumulation (use SecsToNSpectra). The returned value
// is the unix time in milliseconds the correlator actually accepted; when it
// deviates from the request by more than the configured tolerance the call
// fails even though the handler reported completion.
func (c *CorrCM) TakeData(ctx context.Context, starttime int64, duration float64, acclen int, tag string) (int64, error) {
	recording, _, err := store.Recording(ctx, c.s)
	if err != nil {
		return 0, fmt.Errorf("read recording state: %w", err)
	}
	if recording {
		return 0, fmt.Errorf("%w: correlator is already taking data", ErrGuardViolation)
	}
	resp, err := c.sendAndWait(ctx, "record", map[string]any{
		"starttime": starttime,
		"duration":  duration,
		"acclen":    acclen,
		"tag":       tag,
	}, recordTimeout)
	if err != nil {
		return 0, err
	}
	accepted, ok := resp["starttime"].(float64)
	if !ok {
		return 0, fmt.Errorf("record response missing starttime: %v", resp)
	}
	diff := float64(starttime) - accepted
	if diff > c.cfg.StartToleranceMs {
		return 0, fmt.Errorf("accepted start time is %.3fms before the commanded one (tolerance %.0fms)",
			diff, c.cfg.StartToleranceMs)
	}
	log.Info().
		Time("start", time.UnixMilli(int64(accepted))).
		Float64("diff_ms", diff).
		Msg("correlator recording scheduled")
	return int64(accepted), nil
}

// StopTakingData stops the data collection process.
func (c *CorrCM) StopTakingData(ctx context.Context) error {
	_, err := c.sendAndWait(ctx, "stop", nil, stopTimeout)
	return err
}

// Restart power cycles the correlator back to the active configuration. ADC
// delay calibrations are lost.
func (c *CorrCM) Restart(ctx context.Context) error {
	if err := c.hardStop(ctx); err != nil {
		return err
	}
	return c.start(ctx)
}

// hardStop stops the X-engines and the data catcher, attempting a graceful
// stop of any recording first.
func (c *CorrCM) hardStop(ctx context.Context) error {
	log.Info().Msg("issuing hard stop")
	if err := c.StopTakingData(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful stop failed before hard stop")
	}
	if recording, _, err := store.Recording(ctx, c.s); err == nil && recording {
		log.Warn().Msg("data taking failed to end gracefully")
	}
	_, err := c.sendAndWait(ctx, "hard_stop", nil, hardStopTimeout)
	return err
}

// start boots the F-engines, X-engines and data catcher.
func (c *CorrCM) start(ctx context.Context) error {
	log.Info().Msg("issuing hard start")
	_, err := c.sendAndWait(ctx, "start", nil, startTimeout)
	return err
}

// Start exposes the hard start for operators recovering a stopped array.
func (c *CorrCM) Start(ctx context.Context) error { return c.start(ctx) }

// HardStop exposes the hard stop.
func (c *CorrCM) HardStop(ctx context.Context) error { return c.hardStop(ctx) }

// PhaseSwitchEnable turns phase switching on, using the settings in the
// active configuration. Blocked while recording.
func (c *CorrCM) PhaseSwitchEnable(ctx context.Context) error {
	return c.setPhaseSwitch(ctx, true)
}

// PhaseSwitchDisable turns phase switching off. Blocked while recording.
func (c *CorrCM) PhaseSwitchDisable(ctx context.Context) error {
	return c.setPhaseSwitch(ctx, false)
}

func (c *CorrCM) setPhaseSwitch(ctx context.Context, activate bool) error {
	if err := c.requireNotRecording(ctx); err != nil {
		return err
	}
	if _, err := c.sendAndWait(ctx, "phase_switch", map[string]any{"activate": activate}, switchTimeout); err != nil {
		return err
	}
	return c.verifySwitch(ctx, store.KeyPhaseSwitch, activate)
}

// PhaseSwitchIsOn reports the phase switching state and its last change time.
func (c *CorrCM) PhaseSwitchIsOn(ctx context.Context) (bool, float64, error) {
	on, since, err := store.Switch(ctx, c.s, store.KeyPhaseSwitch)
	return on, since, err
}

// AntennaEnable routes the FEM input to the antenna for one feed, or all
// feeds when ant is nil. This is how the noise diode and load are turned off.
func (c *CorrCM) AntennaEnable(ctx context.Context, ant *int) error {
	if err := c.rfSwitch(ctx, ant, "antenna"); err != nil {
		return err
	}
	if ant != nil {
		return nil
	}
	if err := c.verifySwitch(ctx, store.KeyNoiseDiode, false); err != nil {
		return err
	}
	return c.verifySwitch(ctx, store.KeyLoad, false)
}

// NoiseDiodeEnable routes the FEM input to the noise diode.
func (c *CorrCM) NoiseDiodeEnable(ctx context.Context, ant *int) error {
	if err := c.rfSwitch(ctx, ant, "noise"); err != nil {
		return err
	}
	if ant != nil {
		return nil
	}
	if err := c.verifySwitch(ctx, store.KeyNoiseDiode, true); err != nil {
		return err
	}
	return c.verifySwitch(ctx, store.KeyLoad, false)
}

// NoiseDiodeDisable routes the FEM input back to the antenna.
func (c *CorrCM) NoiseDiodeDisable(ctx context.Context, ant *int) error {
	return c.AntennaEnable(ctx, ant)
}

// LoadEnable routes the FEM input to the load terminator.
func (c *CorrCM) LoadEnable(ctx context.Context, ant *int) error {
	if err := c.rfSwitch(ctx, ant, "load"); err != nil {
		return err
	}
	if ant != nil {
		return nil
	}
	if err := c.verifySwitch(ctx, store.KeyLoad, true); err != nil {
		return err
	}
	return c.verifySwitch(ctx, store.KeyNoiseDiode, false)
}

// LoadDisable routes the FEM input back to the antenna.
func (c *CorrCM) LoadDisable(ctx context.Context, ant *int) error {
	return c.AntennaEnable(ctx, ant)
}

func (c *CorrCM) rfSwitch(ctx context.Context, ant *int, inputSel string) error {
	if err := c.requireNotRecording(ctx); err != nil {
		return err
	}
	args := map[string]any{"input_sel": inputSel}
	if ant != nil {
		args["ant"] = *ant
	} else {
		args["ant"] = nil
	}
	_, err := c.sendAndWait(ctx, "rf_switch", args, switchTimeout)
	return err
}

// NoiseDiodeIsOn reports the noise diode state and its last change time.
func (c *CorrCM) NoiseDiodeIsOn(ctx context.Context) (bool, float64, error) {
	return store.Switch(ctx, c.s, store.KeyNoiseDiode)
}

// LoadIsOn reports the load state and its last change time.
func (c *CorrCM) LoadIsOn(ctx context.Context) (bool, float64, error) {
	return store.Switch(ctx, c.s, store.KeyLoad)
}

// SetEQCoeffs loads digital gain coefficients for a feed. Blocked while
// recording.
func (c *CorrCM) SetEQCoeffs(ctx context.Context, ant int, pol string, coeffs []float64) error {
	if err := c.requireNotRecording(ctx); err != nil {
		return err
	}
	_, err := c.sendAndWait(ctx, "snap_eq", map[string]any{
		"ant":    ant,
		"pol":    pol,
		"coeffs": coeffs,
	}, switchTimeout)
	return err
}

// GetEQCoeffs returns the currently loaded gain coefficients for a feed and
// their upload time. This is a plain store read, no command round trip.
func (c *CorrCM) GetEQCoeffs(ctx context.Context, ant int, pol string) ([]float64, float64, error) {
	return store.EQCoeffs(ctx, c.s, ant, pol)
}

// GetPamAtten returns the attenuation (dB) loaded for a feed.
func (c *CorrCM) GetPamAtten(ctx context.Context, ant int, pol string) (int, error) {
	resp, err := c.sendAndWait(ctx, "pam_atten", map[string]any{
		"ant": ant,
		"pol": pol,
		"rw":  "r",
	}, switchTimeout)
	if err != nil {
		return 0, err
	}
	val, ok := resp["val"].(float64)
	if !ok {
		return 0, fmt.Errorf("pam_atten response missing val: %v", resp)
	}
	return int(val), nil
}

// SetPamAtten sets the attenuation (dB) for a feed. Blocked while recording.
func (c *CorrCM) SetPamAtten(ctx context.Context, ant int, pol string, atten int) error {
	if err := c.requireNotRecording(ctx); err != nil {
		return err
	}
	_, err := c.sendAndWait(ctx, "pam_atten", map[string]any{
		"ant": ant,
		"pol": pol,
		"rw":  "w",
		"val": atten,
	}, switchTimeout)
	return err
}

// UploadConfig stores a new correlator configuration blob after checking it
// parses as YAML. The blob defines low level setup such as walshing
// functions, IP addresses and band selection.
func (c *CorrCM) UploadConfig(ctx context.Context, blob []byte) error {
	var parsed any
	if err := yaml.Unmarshal(blob, &parsed); err != nil {
		return fmt.Errorf("configuration is not valid YAML: %w", err)
	}
	return store.SetConfig(ctx, c.s, blob)
}

// Config returns the active configuration blob, its upload time and MD5.
func (c *CorrCM) Config(ctx context.Context) ([]byte, float64, string, error) {
	return store.Config(ctx, c.s)
}
