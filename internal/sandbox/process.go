package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/jkaninda/hookd/internal/protocol"
)

const (
	// maxStderrBytes caps worker stderr to prevent OOM from chatty code.
	maxStderrBytes = 1 << 20 // 1 MB

	defaultCPUSeconds = 60
	defaultMemoryMB   = 512

	// WorkerCommand is the hidden subcommand a re-executed binary runs as a worker.
	WorkerCommand = "sandbox-worker"
)

// Launcher starts a fresh worker and returns its channel.
type Launcher interface {
	Launch(ctx context.Context) (Conn, error)
}

// ResourceLimits constrains a worker process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (RLIMIT_CPU).
	MaxMemoryMB   int // Soft Go heap limit in MB.
}

func (l ResourceLimits) withDefaults() ResourceLimits {
	if l.MaxCPUSeconds <= 0 {
		l.MaxCPUSeconds = defaultCPUSeconds
	}
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = defaultMemoryMB
	}
	return l
}

// ProcessConfig configures the process launcher.
type ProcessConfig struct {
	// Binary is the executable to start. Empty = the running executable.
	Binary string
	// Args follow Binary. Empty = WorkerCommand.
	Args []string
	// Env adds variables to the sanitized base set.
	Env    map[string]string
	Limits ResourceLimits
}

// ProcessLauncher starts workers as isolated OS processes.
//
// Security guarantees:
//   - Each worker gets its own temp directory (removed after exit)
//   - Worker runs in its own process group (Setpgid)
//   - Entire process group killed on Kill
//   - No environment inheritance from parent, only a minimal safe set
//   - CPU and memory limits passed to the worker, which applies them before serving
//   - stderr capped to prevent OOM
type ProcessLauncher struct {
	binary string
	args   []string
	env    map[string]string
	limits ResourceLimits
	logger *slog.Logger
}

// NewProcessLauncher creates a process launcher.
func NewProcessLauncher(cfg ProcessConfig, logger *slog.Logger) (*ProcessLauncher, error) {
	binary := cfg.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving own executable: %w", err)
		}
		binary = exe
	}
	args := cfg.Args
	if len(args) == 0 {
		args = []string{WorkerCommand}
	}
	return &ProcessLauncher{
		binary: binary,
		args:   args,
		env:    cfg.Env,
		limits: cfg.Limits.withDefaults(),
		logger: logger,
	}, nil
}

// Launch starts one worker process.
func (l *ProcessLauncher) Launch(ctx context.Context) (Conn, error) {
	// 1. Create isolated temp directory.
	tmpDir, err := os.MkdirTemp("", "hookd-worker-*")
	if err != nil {
		return nil, fmt.Errorf("creating worker temp dir: %w", err)
	}

	// The worker outlives the launching request, so it is not bound to ctx.
	cmd := exec.Command(l.binary, l.args...)
	cmd.Dir = tmpDir

	// 2. Process group isolation: the worker runs in its own group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// 3. Sanitized environment, NO inheritance from the host process.
	cmd.Env = l.buildEnv(tmpDir)

	// 4. Pipes for the protocol; stderr captured with a size cap.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("opening worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("opening worker stdout: %w", err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = &limitedWriter{w: stderr, remaining: maxStderrBytes}

	if err := ctx.Err(); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	pid := cmd.Process.Pid

	l.logger.Debug("sandbox worker started",
		slog.Int("pid", pid),
		slog.String("dir", tmpDir),
		slog.Int("memory_limit_mb", l.limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", l.limits.MaxCPUSeconds),
	)

	kill := func() error {
		// Negative PID = kill the entire process group.
		err := syscall.Kill(-pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	wait := func() error {
		waitErr := cmd.Wait()
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			l.logger.Warn("failed to remove worker temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
		return exitError(waitErr, stderr.String())
	}

	return NewStreamConn(StreamConfig{
		Stdin:  stdin,
		Stdout: stdout,
		Kill:   kill,
		Wait:   wait,
		PID:    pid,
	}), nil
}

// buildEnv constructs a minimal, safe environment.
// The parent process's environment is NEVER inherited.
func (l *ProcessLauncher) buildEnv(tmpDir string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		protocol.EnvCPUSeconds + "=" + strconv.Itoa(l.limits.MaxCPUSeconds),
		protocol.EnvMemoryMB + "=" + strconv.Itoa(l.limits.MaxMemoryMB),
	}
	for k, v := range l.env {
		env = append(env, k+"="+v)
	}
	return env
}

// exitError turns the result of cmd.Wait into an *ExitError.
// A worker only exits on its own when something went wrong, so a clean
// exit is still reported.
func exitError(waitErr error, stderr string) error {
	if waitErr == nil {
		return &ExitError{Code: 0, Stderr: stderr}
	}
	var ee *exec.ExitError
	if !errors.As(waitErr, &ee) {
		return fmt.Errorf("waiting for worker: %w", waitErr)
	}
	out := &ExitError{Code: ee.ExitCode(), Stderr: stderr}
	if status, ok := ee.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		out.Signal = status.Signal().String()
	}
	return out
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
