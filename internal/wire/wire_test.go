package wire

import (
	"errors"
	"testing"
)

// TestEnvelopeRoundTrip tests encoding and decoding a command envelope
func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope("record", map[string]any{"starttime": 1700000000123.0, "tag": "engineering"})
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Command != "record" {
		t.Fatalf("command = %q", got.Command)
	}
	if got.Time != env.Time {
		t.Fatalf("issue time changed across the wire: %v != %v", got.Time, env.Time)
	}
	if got.Args["tag"] != "engineering" {
		t.Fatalf("args lost: %v", got.Args)
	}
}

// TestDecodeEnvelopeErrors tests rejection of malformed command payloads
func TestDecodeEnvelopeErrors(t *testing.T) {
	cases := []string{
		"not json",
		`{}`,
		`{"command":"record"}`,
		`{"time":123.4}`,
		`{"command":"","time":123.4}`,
	}
	for _, raw := range cases {
		if _, err := DecodeEnvelope([]byte(raw)); !errors.Is(err, ErrDecode) {
			t.Fatalf("DecodeEnvelope(%q) = %v, want ErrDecode", raw, err)
		}
	}
}

// TestFormatTimeRoundTrip tests that the hash encoding of an issue time
// parses back to the identical float64
func TestFormatTimeRoundTrip(t *testing.T) {
	env := NewEnvelope("stop", nil)
	fields, err := StatusFields(env, StatusRunning)
	if err != nil {
		t.Fatalf("status fields: %v", err)
	}
	status, err := ParseStatus(fields)
	if err != nil {
		t.Fatalf("parse status: %v", err)
	}
	if status.Time != env.Time {
		t.Fatalf("time did not survive the hash round trip: %v != %v", status.Time, env.Time)
	}
	if !status.Matches(env) {
		t.Fatal("status for the envelope does not match it")
	}
}

// TestStatusMatchesIdentity tests that matching requires both the name and
// the exact issue time
func TestStatusMatchesIdentity(t *testing.T) {
	env := NewEnvelope("record", nil)
	s := Status{Command: env.Command, Time: env.Time}
	if !s.Matches(env) {
		t.Fatal("identical pair should match")
	}
	s.Time = env.Time + 1e-6
	if s.Matches(env) {
		t.Fatal("a microsecond-different issue time must not match")
	}
	s.Time = env.Time
	s.Command = "stop"
	if s.Matches(env) {
		t.Fatal("a different command name must not match")
	}
}

// TestParseStatusErrors tests rejection of malformed status records
func TestParseStatusErrors(t *testing.T) {
	cases := []map[string]string{
		{},
		{"command": "record"},
		{"command": "record", "time": "not-a-number", "status": StatusRunning},
		{"command": "record", "time": "123.4", "status": "halfway"},
		{"command": "record", "time": "123.4", "status": StatusComplete, "args": "{"},
	}
	for i, fields := range cases {
		if _, err := ParseStatus(fields); !errors.Is(err, ErrDecode) {
			t.Fatalf("case %d: ParseStatus = %v, want ErrDecode", i, err)
		}
	}
}

// TestStatusTerminal tests the terminal phases
func TestStatusTerminal(t *testing.T) {
	if (Status{Status: StatusRunning}).Terminal() {
		t.Fatal("running is not terminal")
	}
	if !(Status{Status: StatusErrored}).Terminal() {
		t.Fatal("errored is terminal")
	}
	if !(Status{Status: StatusComplete}).Terminal() {
		t.Fatal("complete is terminal")
	}
}

// TestStatusErr tests extraction of the failure cause
func TestStatusErr(t *testing.T) {
	s := Status{Args: map[string]any{"err": "xtor_up.py: exit status 1"}}
	cause, ok := s.Err()
	if !ok || cause != "xtor_up.py: exit status 1" {
		t.Fatalf("Err() = %q, %v", cause, ok)
	}
	if _, ok := (Status{Args: map[string]any{}}).Err(); ok {
		t.Fatal("missing err field should report not ok")
	}
}
