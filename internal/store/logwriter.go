package store

import (
	"context"
	"time"
)

// LogWriter fans zerolog output out to the store's log channel so control
// room tooling can tail every daemon in one place. Writes are fire-and-forget
// with a short deadline: logging must never stall a protocol engine, and a
// broken store connection just drops lines.
type LogWriter struct {
	s Store
}

// NewLogWriter wraps a store for use as an additional zerolog writer.
func NewLogWriter(s Store) *LogWriter {
	return &LogWriter{s: s}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	line := make([]byte, len(p))
	copy(line, p)
	_ = w.s.Publish(ctx, ChannelLog, line)
	return len(p), nil
}
