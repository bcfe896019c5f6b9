package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"

	"github.com/jkaninda/hookd/internal/protocol"
)

// Main is the worker process entry point. It applies resource limits and
// serves the protocol on stdin/stdout. Logs go to stderr, which the host
// captures. The return value is the process exit code.
func Main() int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	applyLimits(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	if err := New(os.Stdin, os.Stdout, logger).Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// applyLimits sets RLIMIT_CPU and the Go soft memory limit from the
// environment. Best effort: if the platform refuses, the host deadline
// still bounds the worker.
func applyLimits(logger *slog.Logger) {
	if secs, err := strconv.ParseUint(os.Getenv(protocol.EnvCPUSeconds), 10, 64); err == nil && secs > 0 {
		if err := syscall.Setrlimit(syscall.RLIMIT_CPU, &syscall.Rlimit{Cur: secs, Max: secs}); err != nil {
			logger.Warn("failed to set cpu limit", slog.String("error", err.Error()))
		}
	}
	if mb, err := strconv.ParseInt(os.Getenv(protocol.EnvMemoryMB), 10, 64); err == nil && mb > 0 {
		debug.SetMemoryLimit(mb << 20)
	}
}
