package client

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/hera-ops/corrctl/internal/store"
)

// Version of this package, reported alongside the daemons' own versions.
const Version = "1.0.0"

// SnapStatus is one F-engine board's reported health. Fields the board has
// never reported keep their zero value.
type SnapStatus struct {
	Serial         string
	Temp           float64
	PPSCount       int64
	Uptime         int64
	PmbAlert       bool
	LastProgrammed time.Time
	Timestamp      time.Time
}

// FStatus returns per-SNAP status flags keyed by board hostname.
func (c *CorrCM) FStatus(ctx context.Context) (map[string]SnapStatus, error) {
	raw, err := store.StatusKeys(ctx, c.s, "snap")
	if err != nil {
		return nil, err
	}
	out := make(map[string]SnapStatus, len(raw))
	for host, h := range raw {
		var s SnapStatus
		s.Serial = h["serial"]
		s.Temp, _ = strconv.ParseFloat(h["temp"], 64)
		s.PPSCount, _ = strconv.ParseInt(h["pps_count"], 10, 64)
		s.Uptime, _ = strconv.ParseInt(h["uptime"], 10, 64)
		if v, err := strconv.Atoi(h["pmb_alert"]); err == nil {
			s.PmbAlert = v != 0
		}
		s.LastProgrammed = parseStatusTime(h["last_programmed"])
		s.Timestamp = parseStatusTime(h["timestamp"])
		out[host] = s
	}
	return out, nil
}

// AntStatus returns the raw per-feed status hashes keyed by
// "<antenna>:<pol>". The field set varies with monitor versions, so values
// are left as reported.
func (c *CorrCM) AntStatus(ctx context.Context) (map[string]map[string]string, error) {
	return store.StatusKeys(ctx, c.s, "ant")
}

// SnapRFStatus returns the raw per-input status hashes keyed by
// "<snap hostname>:<input>".
func (c *CorrCM) SnapRFStatus(ctx context.Context) (map[string]map[string]string, error) {
	return store.StatusKeys(ctx, c.s, "snaprf")
}

// DaemonVersion is a software version report from a long-running process.
type DaemonVersion struct {
	Version   string
	Timestamp time.Time
}

// Versions returns the versions reported by site daemons under version:*,
// plus this package itself under "corrctl".
func (c *CorrCM) Versions(ctx context.Context) (map[string]DaemonVersion, error) {
	keys, err := c.s.Scan(ctx, "version:*")
	if err != nil {
		return nil, err
	}
	out := make(map[string]DaemonVersion, len(keys)+1)
	for _, k := range keys {
		h, err := c.s.Hash(ctx, k)
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(k, "version:")] = DaemonVersion{
			Version:   h["version"],
			Timestamp: parseStatusTime(h["timestamp"]),
		}
	}
	out["corrctl"] = DaemonVersion{Version: Version, Timestamp: time.Now()}
	return out, nil
}

// parseStatusTime accepts the timestamp formats monitors have historically
// written: RFC3339 or a float unix time.
func parseStatusTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.UnixMicro(int64(f * 1e6))
	}
	return time.Time{}
}
