// Package wire defines the command envelope and status records exchanged
// through the shared Redis store, and the rules for matching one to the other.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Status phases written by the command handler. A record never leaves
// "errored" or "complete" once it gets there; a new command replaces the
// record entirely.
const (
	StatusRunning  = "running"
	StatusErrored  = "errored"
	StatusComplete = "complete"
)

// ErrDecode reports a malformed envelope or status record. Readers log it and
// skip the record; it must never abort a poll loop.
var ErrDecode = errors.New("wire: malformed payload")

// Envelope is the published command record. Its identity is the pair
// (Command, Time): the issue time doubles as the request token, so equality
// is exact with no floating-point tolerance.
type Envelope struct {
	Command string         `json:"command"`
	Time    float64        `json:"time"`
	Args    map[string]any `json:"args"`
}

// NewEnvelope stamps the issue time at creation. Microsecond resolution keeps
// two envelopes from the same caller distinct.
func NewEnvelope(command string, args map[string]any) Envelope {
	if args == nil {
		args = map[string]any{}
	}
	return Envelope{Command: command, Time: Now(), Args: args}
}

// Now returns the current unix time in seconds.
func Now() float64 {
	return float64(time.Now().UnixMicro()) / 1e6
}

// Encode serializes the envelope for the command slot.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses a raw command payload. A partially parsed envelope is
// never returned: any failure yields ErrDecode and a zero value.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if e.Command == "" {
		return Envelope{}, fmt.Errorf("%w: missing command name", ErrDecode)
	}
	if e.Time == 0 {
		return Envelope{}, fmt.Errorf("%w: missing issue time", ErrDecode)
	}
	if e.Args == nil {
		e.Args = map[string]any{}
	}
	return e, nil
}

// FormatTime renders an issue time the way it is carried in the status hash.
// The shortest round-trippable representation guarantees ParseFloat returns
// the identical float64, which the matching rule depends on.
func FormatTime(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}

// Status is the single live execution record for the most recent command.
// Exactly one exists in the store at any time; a new command's record
// supersedes it.
type Status struct {
	Command    string
	Time       float64
	Args       map[string]any
	Status     string
	UpdateTime float64
}

// Matches reports whether this status belongs to the given envelope. Both the
// command name and the issue time must be exactly equal; anything else is
// either a stale record or another caller's command.
func (s Status) Matches(e Envelope) bool {
	return s.Command == e.Command && s.Time == e.Time
}

// Terminal reports whether the status will never change again for this
// command instance.
func (s Status) Terminal() bool {
	return s.Status == StatusErrored || s.Status == StatusComplete
}

// Err extracts the executor-reported failure cause, if any.
func (s Status) Err() (string, bool) {
	v, ok := s.Args["err"].(string)
	return v, ok
}

// StatusFields renders the hash fields for a fresh status record in the given
// phase, with args mirrored from the envelope.
func StatusFields(e Envelope, phase string) (map[string]string, error) {
	args, err := json.Marshal(e.Args)
	if err != nil {
		return nil, fmt.Errorf("encode status args: %w", err)
	}
	return map[string]string{
		"command":     e.Command,
		"time":        FormatTime(e.Time),
		"args":        string(args),
		"status":      phase,
		"update_time": FormatTime(Now()),
	}, nil
}

// ParseStatus builds a Status from the raw hash fields. An empty map is not
// an error here; callers treat it as "no status yet".
func ParseStatus(fields map[string]string) (Status, error) {
	var s Status
	s.Command = fields["command"]
	if s.Command == "" {
		return Status{}, fmt.Errorf("%w: status missing command", ErrDecode)
	}
	t, err := strconv.ParseFloat(fields["time"], 64)
	if err != nil {
		return Status{}, fmt.Errorf("%w: status time %q", ErrDecode, fields["time"])
	}
	s.Time = t
	switch fields["status"] {
	case StatusRunning, StatusErrored, StatusComplete:
		s.Status = fields["status"]
	default:
		return Status{}, fmt.Errorf("%w: unknown status %q", ErrDecode, fields["status"])
	}
	if raw := fields["args"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Args); err != nil {
			return Status{}, fmt.Errorf("%w: status args: %v", ErrDecode, err)
		}
	}
	if s.Args == nil {
		s.Args = map[string]any{}
	}
	if ut := fields["update_time"]; ut != "" {
		if v, err := strconv.ParseFloat(ut, 64); err == nil {
			s.UpdateTime = v
		}
	}
	return s, nil
}
