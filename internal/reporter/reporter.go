// Package reporter watches the heartbeat keys every site daemon writes and
// records their liveness into a local SQLite monitoring database, so outages
// are visible after the fact even though the heartbeats themselves expire.
package reporter

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/hera-ops/corrctl/internal/store"
	"github.com/hera-ops/corrctl/internal/wire"
)

// heartbeatProc names this daemon's own liveness key.
const heartbeatProc = "corr-reporter"

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB is the SQLite-backed status history.
type DB struct{ db *sql.DB }

// OpenDB opens (and migrates) the status database at path.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open status db: %w", err)
	}
	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := d.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// Close releases the database.
func (d *DB) Close() error { return d.db.Close() }

// RecordStatus appends one liveness observation.
func (d *DB) RecordStatus(ctx context.Context, name, host string, ts float64, state string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO daemon_status (name, host, ts, state) VALUES (?, ?, ?, ?)`,
		name, host, ts, state)
	if err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	return nil
}

// LastStatus returns the most recent observation for a daemon name.
func (d *DB) LastStatus(ctx context.Context, name string) (host string, ts float64, state string, err error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT host, ts, state FROM daemon_status WHERE name = ? ORDER BY ts DESC, id DESC LIMIT 1`,
		name)
	if err := row.Scan(&host, &ts, &state); err != nil {
		return "", 0, "", fmt.Errorf("last status: %w", err)
	}
	return host, ts, state, nil
}

// Reporter scans the store for heartbeat keys on a fixed interval.
type Reporter struct {
	s        store.Store
	db       *DB
	daemons  []string
	interval time.Duration
}

// New builds a reporter for the given daemon names.
func New(s store.Store, db *DB, daemons []string, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Reporter{s: s, db: db, daemons: daemons, interval: interval}
}

// Run records liveness until ctx is canceled. A store or database hiccup is
// logged and retried on the next cycle.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Scan(ctx); err != nil {
			log.Error().Err(err).Msg("status scan failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan performs one heartbeat sweep: every expected daemon with a live
// status:script key anywhere on the network is good, the rest are errored.
func (r *Reporter) Scan(ctx context.Context) error {
	if err := store.Heartbeat(ctx, r.s, heartbeatProc, r.interval); err != nil {
		return fmt.Errorf("own heartbeat: %w", err)
	}
	now := wire.Now()
	for _, daemon := range r.daemons {
		keys, err := r.s.Scan(ctx, "status:script:*:*"+daemon)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			log.Warn().Str("daemon", daemon).Msg("no heartbeat")
			if err := r.db.RecordStatus(ctx, daemon, "", now, "errored"); err != nil {
				return err
			}
			continue
		}
		for _, k := range keys {
			host := hostFromKey(k)
			if err := r.db.RecordStatus(ctx, daemon, host, now, "good"); err != nil {
				return err
			}
		}
	}
	return nil
}

// hostFromKey extracts the host segment of a status:script:<host>:<proc> key.
func hostFromKey(key string) string {
	rest := strings.TrimPrefix(key, "status:script:")
	host, _, _ := strings.Cut(rest, ":")
	return host
}
