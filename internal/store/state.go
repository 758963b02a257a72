package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hera-ops/corrctl/internal/wire"
)

// Recording reads the data-taking flag. An absent key means not recording
// with an unknown transition time; a present key with a bad timestamp keeps
// the state but reports since as zero, matching the "stopped but we don't
// know when" case after an ungraceful shutdown.
func Recording(ctx context.Context, s Store) (active bool, since float64, err error) {
	h, err := s.Hash(ctx, KeyTakingData)
	if err != nil {
		return false, 0, err
	}
	if len(h) == 0 {
		return false, 0, nil
	}
	active = h["state"] == "True"
	since, _ = strconv.ParseFloat(h["time"], 64)
	return active, since, nil
}

// SetRecording writes the data-taking flag with the current time.
func SetRecording(ctx context.Context, s Store, active bool) error {
	state := "False"
	if active {
		state = "True"
	}
	return s.SetHashFields(ctx, KeyTakingData, map[string]string{
		"state": state,
		"time":  wire.FormatTime(wire.Now()),
	})
}

// Switch reads an on/off state flag such as the phase switch or noise diode.
func Switch(ctx context.Context, s Store, key string) (on bool, since float64, err error) {
	h, err := s.Hash(ctx, key)
	if err != nil {
		return false, 0, err
	}
	since, _ = strconv.ParseFloat(h["time"], 64)
	return h["state"] == "on", since, nil
}

// SetSwitch writes an on/off state flag with the current time.
func SetSwitch(ctx context.Context, s Store, key string, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	return s.SetHashFields(ctx, key, map[string]string{
		"state": state,
		"time":  wire.FormatTime(wire.Now()),
	})
}

// ResetCommandStatus replaces the single status slot. The delete clears any
// fields left over from the previous command; callers of Hash on this key can
// observe the brief gap and must treat an empty map as "no status yet".
func ResetCommandStatus(ctx context.Context, s Store, fields map[string]string) error {
	if err := s.Delete(ctx, KeyCommandStatus); err != nil {
		return err
	}
	return s.SetHashFields(ctx, KeyCommandStatus, fields)
}

// TrigTime returns the last trigger time handed to the correlator, or ok
// false if none has ever been set.
func TrigTime(ctx context.Context, s Store) (float64, bool, error) {
	v, ok, err := s.Get(ctx, KeyTrigTime)
	if err != nil || !ok {
		return 0, false, err
	}
	t, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("trig time %q: %w", v, err)
	}
	return t, true, nil
}

// SetTrigTime records the accepted start trigger (unix seconds).
func SetTrigTime(ctx context.Context, s Store, t float64) error {
	return s.Set(ctx, KeyTrigTime, wire.FormatTime(t))
}

// Heartbeat writes the caller's auto-expiring liveness key. External watchdogs
// alarm on expiry; nothing in this module reads it back.
func Heartbeat(ctx context.Context, s Store, proc string, interval time.Duration) error {
	host, _ := os.Hostname()
	key := fmt.Sprintf("status:script:%s:%s", host, proc)
	return s.SetEx(ctx, key, "alive", 2*interval)
}

// StatusKeys collects every status:<class>:* hash, keyed by the name after
// the prefix (e.g. a SNAP hostname for class "snap").
func StatusKeys(ctx context.Context, s Store, class string) (map[string]map[string]string, error) {
	prefix := "status:" + class + ":"
	keys, err := s.Scan(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string, len(keys))
	for _, k := range keys {
		h, err := s.Hash(ctx, k)
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(k, prefix)] = h
	}
	return out, nil
}

// EQCoeffs reads the digital EQ coefficients loaded for a feed.
func EQCoeffs(ctx context.Context, s Store, ant int, pol string) (coeffs []float64, uploaded float64, err error) {
	h, err := s.Hash(ctx, EQKey(ant, pol))
	if err != nil {
		return nil, 0, err
	}
	if len(h) == 0 {
		return nil, 0, fmt.Errorf("no EQ coefficients for ant %d pol %s", ant, pol)
	}
	uploaded, err = strconv.ParseFloat(h["time"], 64)
	if err != nil {
		return nil, 0, fmt.Errorf("eq upload time: %w", err)
	}
	if err := json.Unmarshal([]byte(h["values"]), &coeffs); err != nil {
		return nil, 0, fmt.Errorf("eq values: %w", err)
	}
	return coeffs, uploaded, nil
}

// SetEQCoeffs stores the EQ coefficients for a feed with the upload time.
func SetEQCoeffs(ctx context.Context, s Store, ant int, pol string, coeffs []float64) error {
	vals, err := json.Marshal(coeffs)
	if err != nil {
		return fmt.Errorf("encode eq values: %w", err)
	}
	return s.SetHashFields(ctx, EQKey(ant, pol), map[string]string{
		"values": string(vals),
		"time":   wire.FormatTime(wire.Now()),
	})
}

// SetConfig uploads a correlator configuration blob with its MD5 and upload
// time.
func SetConfig(ctx context.Context, s Store, blob []byte) error {
	now := time.Now()
	sum := md5.Sum(blob)
	return s.SetHashFields(ctx, KeyConfig, map[string]string{
		"config":          string(blob),
		"md5":             hex.EncodeToString(sum[:]),
		"upload_time":     wire.FormatTime(float64(now.UnixMicro()) / 1e6),
		"upload_time_str": now.Format(time.UnixDate),
	})
}

// Config returns the active configuration blob, its upload time, and its MD5.
func Config(ctx context.Context, s Store) (blob []byte, uploaded float64, sum string, err error) {
	h, err := s.Hash(ctx, KeyConfig)
	if err != nil {
		return nil, 0, "", err
	}
	if len(h) == 0 {
		return nil, 0, "", fmt.Errorf("no configuration uploaded")
	}
	uploaded, _ = strconv.ParseFloat(h["upload_time"], 64)
	return []byte(h["config"]), uploaded, h["md5"], nil
}
