package handler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hera-ops/corrctl/internal/config"
	"github.com/hera-ops/corrctl/internal/store"
	"github.com/hera-ops/corrctl/internal/wire"
)

func testHandler(m *store.Memory, actions map[string]Action) *Handler {
	h := New(m, config.Handler{
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: time.Minute,
	}, actions)
	// Start with the marker initialized so published commands execute
	// immediately; the startup replay path has its own test.
	zero := 0.0
	h.lastTime = &zero
	return h
}

func publish(t *testing.T, m *store.Memory, name string, args map[string]any) wire.Envelope {
	t.Helper()
	env := wire.NewEnvelope(name, args)
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := m.PublishCommand(context.Background(), raw); err != nil {
		t.Fatalf("publish: %v", err)
	}
	return env
}

func slotStatus(t *testing.T, m *store.Memory) wire.Status {
	t.Helper()
	fields, err := m.Hash(context.Background(), store.KeyCommandStatus)
	if err != nil {
		t.Fatalf("read status slot: %v", err)
	}
	s, err := wire.ParseStatus(fields)
	if err != nil {
		t.Fatalf("parse status %v: %v", fields, err)
	}
	return s
}

// TestExecuteComplete tests the full accept-run-complete sequence for one
// command
func TestExecuteComplete(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	h := testHandler(m, map[string]Action{
		"pam_atten": func(ctx context.Context, env wire.Envelope) (map[string]any, error) {
			return map[string]any{"val": 6.0}, nil
		},
	})
	env := publish(t, m, "pam_atten", map[string]any{"ant": 12, "pol": "e", "rw": "r"})
	if err := h.ProcessCommand(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	s := slotStatus(t, m)
	if !s.Matches(env) {
		t.Fatalf("status is for %q/%v, want %q/%v", s.Command, s.Time, env.Command, env.Time)
	}
	if s.Status != wire.StatusComplete {
		t.Fatalf("status = %q", s.Status)
	}
	// Result fields are merged alongside the command's own args.
	if s.Args["val"] != 6.0 || s.Args["pol"] != "e" {
		t.Fatalf("args = %v", s.Args)
	}
	fields, _ := m.Hash(ctx, store.KeyCommandStatus)
	if fields["completion_time"] == "" {
		t.Fatal("completion_time missing")
	}
}

// TestExecuteErrored tests that an action failure lands in the status record
func TestExecuteErrored(t *testing.T) {
	m := store.NewMemory()
	h := testHandler(m, map[string]Action{
		"start": func(ctx context.Context, env wire.Envelope) (map[string]any, error) {
			return nil, errors.New("snap init: exit status 1")
		},
	})
	publish(t, m, "start", nil)
	if err := h.ProcessCommand(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	s := slotStatus(t, m)
	if s.Status != wire.StatusErrored {
		t.Fatalf("status = %q", s.Status)
	}
	if cause, ok := s.Err(); !ok || !strings.Contains(cause, "snap init") {
		t.Fatalf("err field = %q %v", cause, ok)
	}
}

// TestUnknownCommand tests that an unrecognized name errors rather than
// hanging the caller
func TestUnknownCommand(t *testing.T) {
	m := store.NewMemory()
	h := testHandler(m, map[string]Action{})
	publish(t, m, "defrobulate", nil)
	if err := h.ProcessCommand(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	s := slotStatus(t, m)
	if s.Status != wire.StatusErrored {
		t.Fatalf("status = %q", s.Status)
	}
	if cause, _ := s.Err(); !strings.Contains(cause, "unknown command") {
		t.Fatalf("err field = %q", cause)
	}
}

// TestDedup tests that re-reads of the same slot and older issue times never
// re-execute
func TestDedup(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	var runs atomic.Int64
	h := testHandler(m, map[string]Action{
		"stop": func(ctx context.Context, env wire.Envelope) (map[string]any, error) {
			runs.Add(1)
			return nil, nil
		},
	})
	env := publish(t, m, "stop", nil)
	for i := 0; i < 3; i++ {
		if err := h.ProcessCommand(ctx); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if n := runs.Load(); n != 1 {
		t.Fatalf("action ran %d times, want 1", n)
	}

	// An older envelope planted in the slot is ignored.
	old := env
	old.Time = env.Time - 10
	raw, _ := old.Encode()
	_ = m.Set(ctx, store.KeyCommand, string(raw))
	if err := h.ProcessCommand(ctx); err != nil {
		t.Fatalf("process old: %v", err)
	}
	if n := runs.Load(); n != 1 {
		t.Fatalf("older command re-executed, runs = %d", n)
	}

	// A strictly newer one runs.
	publish(t, m, "stop", nil)
	if err := h.ProcessCommand(ctx); err != nil {
		t.Fatalf("process new: %v", err)
	}
	if n := runs.Load(); n != 2 {
		t.Fatalf("runs = %d, want 2", n)
	}
}

// TestStartupReplay tests that a command already in the slot at startup is
// recorded but never executed
func TestStartupReplay(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	var runs atomic.Int64
	action := func(ctx context.Context, env wire.Envelope) (map[string]any, error) {
		runs.Add(1)
		return nil, nil
	}
	publish(t, m, "stop", nil)

	h := New(m, config.Handler{PollInterval: 5 * time.Millisecond}, map[string]Action{"stop": action})
	if err := h.ProcessCommand(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if n := runs.Load(); n != 0 {
		t.Fatalf("pre-startup command executed %d times", n)
	}
	if fields, _ := m.Hash(ctx, store.KeyCommandStatus); len(fields) != 0 {
		t.Fatalf("status written for a command that never ran: %v", fields)
	}

	// The next fresh command executes normally.
	publish(t, m, "stop", nil)
	if err := h.ProcessCommand(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
}

// TestMalformedSlot tests that garbage in the command slot is skipped without
// advancing the dedup marker
func TestMalformedSlot(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	var runs atomic.Int64
	h := testHandler(m, map[string]Action{
		"stop": func(ctx context.Context, env wire.Envelope) (map[string]any, error) {
			runs.Add(1)
			return nil, nil
		},
	})
	_ = m.Set(ctx, store.KeyCommand, "not json at all")
	if err := h.ProcessCommand(ctx); err != nil {
		t.Fatalf("malformed slot should not error the loop: %v", err)
	}
	if runs.Load() != 0 {
		t.Fatal("garbage executed something")
	}
	publish(t, m, "stop", nil)
	if err := h.ProcessCommand(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatal("valid command after garbage did not run")
	}
}

// TestPanicRecovery tests that a panicking action becomes an errored status
func TestPanicRecovery(t *testing.T) {
	m := store.NewMemory()
	h := testHandler(m, map[string]Action{
		"start": func(ctx context.Context, env wire.Envelope) (map[string]any, error) {
			panic("wedged")
		},
	})
	publish(t, m, "start", nil)
	if err := h.ProcessCommand(context.Background()); err != nil {
		t.Fatalf("panic escaped the action runner: %v", err)
	}
	s := slotStatus(t, m)
	if s.Status != wire.StatusErrored {
		t.Fatalf("status = %q", s.Status)
	}
	if cause, _ := s.Err(); !strings.Contains(cause, "wedged") {
		t.Fatalf("err field = %q", cause)
	}
}

// flakyStore fails the first n key reads, like a store connection that drops
// right as the daemon comes up.
type flakyStore struct {
	*store.Memory
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return "", false, errors.New("connection reset")
	}
	return f.Memory.Get(ctx, key)
}

// TestRunPrimingRetriesAfterReadError tests that a transient read failure
// during startup never lets a pre-restart command execute
func TestRunPrimingRetriesAfterReadError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := store.NewMemory()
	fs := &flakyStore{Memory: m, fails: 1}

	var runs atomic.Int64
	publish(t, m, "stop", nil) // in the slot from before the restart

	h := New(fs, config.Handler{
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: time.Minute,
	}, map[string]Action{
		"stop": func(ctx context.Context, env wire.Envelope) (map[string]any, error) {
			runs.Add(1)
			return nil, nil
		},
	})
	go func() { _ = h.Run(ctx) }()

	// Startup read fails once; the retry must record the leftover command,
	// not run it.
	time.Sleep(100 * time.Millisecond)
	if n := runs.Load(); n != 0 {
		t.Fatalf("pre-restart command executed %d times", n)
	}

	// A command published after the restart executes normally.
	publish(t, m, "stop", nil)
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fresh command never executed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
}

// TestRunWake tests the pub/sub wake path through the full loop
func TestRunWake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := store.NewMemory()
	done := make(chan struct{})
	h := testHandler(m, map[string]Action{
		"stop": func(ctx context.Context, env wire.Envelope) (map[string]any, error) {
			close(done)
			return nil, nil
		},
	})
	go func() { _ = h.Run(ctx) }()
	// Give the loop a moment to subscribe, then publish.
	time.Sleep(20 * time.Millisecond)
	publish(t, m, "stop", nil)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command never executed")
	}
}
