// Package store provides access to the shared correlator state store. The
// store is the only transport between the control client and the command
// handler: a key/hash space plus a best-effort pub/sub channel. All key
// naming lives here.
package store

import (
	"context"
	"fmt"
	"time"
)

// Well-known keys in the shared store.
const (
	KeyCommand       = "corr:command"
	KeyCommandStatus = "corr:cmd_status"
	KeyTakingData    = "corr:is_taking_data"
	KeyPhaseSwitch   = "corr:status_phase_switch"
	KeyNoiseDiode    = "corr:status_noise_diode"
	KeyLoad          = "corr:status_load"
	KeyTrigTime      = "corr:trig_time"
	KeyConfig        = "snap_configuration"
)

// Pub/sub channels. ChannelCommand carries command wake-ups for the handler;
// its receiver count doubles as the caller's liveness check. ChannelLog
// receives log lines fanned out by long-running daemons.
const (
	ChannelCommand = "corr:message"
	ChannelLog     = "log-channel"
)

// Store is the transport primitive set the protocol engines are written
// against. Redis implements it for deployment; Memory implements it for
// tests and single-process use. Single-key reads and writes are atomic;
// nothing here offers multi-key transactions.
type Store interface {
	// Get returns the value at key, reporting whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes a plain key.
	Set(ctx context.Context, key, value string) error
	// SetEx writes a key that expires after ttl.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Hash returns all fields of a hash key; empty map if the key is absent.
	Hash(ctx context.Context, key string) (map[string]string, error)
	// SetHashFields merges fields into a hash key.
	SetHashFields(ctx context.Context, key string, fields map[string]string) error
	// Scan returns the keys matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// PublishCommand writes the command slot and notifies listeners. The
	// returned count is the number of live subscribers that received the
	// notification; zero means no handler was listening at publish time.
	PublishCommand(ctx context.Context, raw []byte) (int64, error)
	// SubscribeCommands returns a channel that receives a tick per published
	// command, and a cancel function releasing the subscription.
	SubscribeCommands(ctx context.Context) (<-chan struct{}, func(), error)

	// Publish sends a fire-and-forget message on a pub/sub channel.
	Publish(ctx context.Context, channel string, payload []byte) error
}

// EQKey names the per-feed EQ coefficient hash.
func EQKey(ant int, pol string) string {
	return fmt.Sprintf("eq:ant:%d:%s", ant, pol)
}
