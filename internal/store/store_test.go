package store

import (
	"context"
	"testing"
	"time"
)

// TestMemoryKV tests basic get/set/delete semantics
func TestMemoryKV(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, ok, err := m.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := m.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("get: %q %v %v", v, ok, err)
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("key survived delete")
	}
}

// TestMemoryExpiry tests TTL handling on expiring keys
func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.SetEx(ctx, "beat", "alive", 10*time.Millisecond); err != nil {
		t.Fatalf("setex: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "beat"); !ok {
		t.Fatal("key should be live before the TTL")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "beat"); ok {
		t.Fatal("key should have expired")
	}
}

// TestMemoryScan tests glob matching across plain keys and hashes
func TestMemoryScan(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Set(ctx, "status:script:host1:corrd", "alive")
	_ = m.Set(ctx, "status:script:host2:corrd", "alive")
	_ = m.SetHashFields(ctx, "status:snap:heraNode0Snap0", map[string]string{"serial": "X1"})
	_ = m.Set(ctx, "unrelated", "x")

	keys, err := m.Scan(ctx, "status:script:*")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("scan matched %d keys, want 2: %v", len(keys), keys)
	}
	keys, _ = m.Scan(ctx, "status:snap:*")
	if len(keys) != 1 || keys[0] != "status:snap:heraNode0Snap0" {
		t.Fatalf("hash keys not scanned: %v", keys)
	}
}

// TestPublishCommandReceivers tests the delivery count used for the
// no-listener check
func TestPublishCommandReceivers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	n, err := m.PublishCommand(ctx, []byte(`{"command":"stop","time":1.5}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 0 {
		t.Fatalf("receivers = %d with no subscribers", n)
	}
	// The slot is written even when nobody is listening.
	if v, ok, _ := m.Get(ctx, KeyCommand); !ok || v == "" {
		t.Fatal("command slot not written")
	}

	wake, cancel, err := m.SubscribeCommands(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	n, _ = m.PublishCommand(ctx, []byte(`{"command":"stop","time":2.5}`))
	if n != 1 {
		t.Fatalf("receivers = %d with one subscriber", n)
	}
	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("subscriber never woke")
	}
}

// TestRecordingFlag tests the data-taking flag round trip
func TestRecordingFlag(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	active, since, err := Recording(ctx, m)
	if err != nil || active || since != 0 {
		t.Fatalf("absent flag: %v %v %v", active, since, err)
	}
	if err := SetRecording(ctx, m, true); err != nil {
		t.Fatalf("set: %v", err)
	}
	active, since, err = Recording(ctx, m)
	if err != nil || !active {
		t.Fatalf("flag should be set: %v %v", active, err)
	}
	if since == 0 {
		t.Fatal("transition time missing")
	}
	_ = SetRecording(ctx, m, false)
	if active, _, _ = Recording(ctx, m); active {
		t.Fatal("flag should be clear")
	}
}

// TestSwitchFlag tests the on/off switch encoding
func TestSwitchFlag(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := SetSwitch(ctx, m, KeyPhaseSwitch, true); err != nil {
		t.Fatalf("set: %v", err)
	}
	on, since, err := Switch(ctx, m, KeyPhaseSwitch)
	if err != nil || !on || since == 0 {
		t.Fatalf("switch: %v %v %v", on, since, err)
	}
	_ = SetSwitch(ctx, m, KeyPhaseSwitch, false)
	if on, _, _ = Switch(ctx, m, KeyPhaseSwitch); on {
		t.Fatal("switch should be off")
	}
}

// TestResetCommandStatus tests that stale fields never leak into the next
// command's status record
func TestResetCommandStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.SetHashFields(ctx, KeyCommandStatus, map[string]string{
		"command": "record", "completion_time": "111.0",
	})
	if err := ResetCommandStatus(ctx, m, map[string]string{
		"command": "stop", "time": "2.5", "status": "running",
	}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	h, _ := m.Hash(ctx, KeyCommandStatus)
	if h["command"] != "stop" {
		t.Fatalf("command = %q", h["command"])
	}
	if _, ok := h["completion_time"]; ok {
		t.Fatal("previous command's completion_time leaked through")
	}
}

// TestTrigTime tests the trigger time round trip
func TestTrigTime(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, ok, err := TrigTime(ctx, m); err != nil || ok {
		t.Fatalf("absent trigger: ok=%v err=%v", ok, err)
	}
	if err := SetTrigTime(ctx, m, 1700000000.5); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := TrigTime(ctx, m)
	if err != nil || !ok || v != 1700000000.5 {
		t.Fatalf("trigger: %v %v %v", v, ok, err)
	}
}

// TestHeartbeat tests the auto-expiring liveness key
func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := Heartbeat(ctx, m, "corrd", time.Minute); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	keys, _ := m.Scan(ctx, "status:script:*:corrd")
	if len(keys) != 1 {
		t.Fatalf("heartbeat key not written: %v", keys)
	}
	if v, ok, _ := m.Get(ctx, keys[0]); !ok || v != "alive" {
		t.Fatalf("heartbeat value = %q %v", v, ok)
	}
}

// TestEQCoeffs tests the per-feed coefficient storage
func TestEQCoeffs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, _, err := EQCoeffs(ctx, m, 12, "e"); err == nil {
		t.Fatal("absent coefficients should error")
	}
	want := []float64{1, 2.5, 3}
	if err := SetEQCoeffs(ctx, m, 12, "e", want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, uploaded, err := EQCoeffs(ctx, m, 12, "e")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if uploaded == 0 || len(got) != 3 || got[1] != 2.5 {
		t.Fatalf("coeffs = %v uploaded = %v", got, uploaded)
	}
	// A different feed stays independent.
	if _, _, err := EQCoeffs(ctx, m, 12, "n"); err == nil {
		t.Fatal("other pol should be empty")
	}
}

// TestConfigBlob tests the configuration upload fields
func TestConfigBlob(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, _, _, err := Config(ctx, m); err == nil {
		t.Fatal("absent configuration should error")
	}
	blob := []byte("fengines:\n  heraNode0Snap0: {}\n")
	if err := SetConfig(ctx, m, blob); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, uploaded, sum, err := Config(ctx, m)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatalf("blob changed: %q", got)
	}
	if uploaded == 0 || len(sum) != 32 {
		t.Fatalf("uploaded=%v md5=%q", uploaded, sum)
	}
}
