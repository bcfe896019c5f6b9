package capability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const maxLogEntries = 1000

// LogEntry is one $logs call.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Args    []any     `json:"args,omitempty"`
}

// LogBook collects the entries code writes through $logs and mirrors them
// to the host logger. It is append-only and safe for concurrent use.
type LogBook struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []LogEntry
	dropped int
}

// NewLogBook returns a log book mirroring to logger.
func NewLogBook(logger *slog.Logger) *LogBook {
	return &LogBook{logger: logger}
}

// Call appends an entry. A leading "debug", "info", "warn" or "error"
// argument selects the level; the next argument is the message.
func (b *LogBook) Call(ctx context.Context, args []any) (any, error) {
	level := "info"
	if len(args) > 1 {
		if s, ok := args[0].(string); ok {
			if _, known := slogLevels[strings.ToLower(s)]; known {
				level = strings.ToLower(s)
				args = args[1:]
			}
		}
	}
	entry := LogEntry{Time: time.Now(), Level: level}
	if len(args) > 0 {
		entry.Message = fmt.Sprint(args[0])
		if len(args) > 1 {
			entry.Args = args[1:]
		}
	}

	b.mu.Lock()
	if len(b.entries) < maxLogEntries {
		b.entries = append(b.entries, entry)
	} else {
		b.dropped++
	}
	b.mu.Unlock()

	if b.logger != nil {
		attrs := []slog.Attr{slog.String("source", "script")}
		if len(entry.Args) > 0 {
			attrs = append(attrs, slog.Any("args", entry.Args))
		}
		b.logger.LogAttrs(ctx, slogLevels[level], entry.Message, attrs...)
	}
	return nil, nil
}

// Entries returns a copy of the entries written so far.
func (b *LogBook) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Dropped reports how many entries were discarded after the book filled up.
func (b *LogBook) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

var slogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}
