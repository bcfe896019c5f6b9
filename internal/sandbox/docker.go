package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/jkaninda/hookd/internal/protocol"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "jkaninda/hookd:latest"
)

// DockerConfig configures the Docker launcher.
type DockerConfig struct {
	Image     string  // Image containing the hookd binary (e.g. "jkaninda/hookd:latest").
	Binary    string  // Path of hookd inside the image. Empty = "hookd" on PATH.
	MemoryMB  int     // --memory hard limit.
	CPUCores  float64 // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit int     // --pids-limit (prevents fork bombs).
	Limits    ResourceLimits
}

// DockerLauncher starts each worker inside its own hardened container,
// attached over stdin/stdout with docker run -i.
//
// Security guarantees:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only) with tmpfs for writable dirs
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Network disabled (--network=none); workers only talk to the host over stdio
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - Container force-removed when the worker ends, even after a kill
type DockerLauncher struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerLauncher creates a Docker-based launcher.
func NewDockerLauncher(cfg DockerConfig, logger *slog.Logger) *DockerLauncher {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.Binary == "" {
		cfg.Binary = "hookd"
	}
	cfg.Limits = cfg.Limits.withDefaults()
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = cfg.Limits.MaxMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerLauncher{config: cfg, logger: logger}
}

// Launch starts one containerised worker.
func (l *DockerLauncher) Launch(ctx context.Context) (Conn, error) {
	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	args := l.buildDockerArgs(name)
	cmd := exec.Command("docker", args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening worker stdout: %w", err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = &limitedWriter{w: stderr, remaining: maxStderrBytes}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting docker worker: %w", err)
	}

	l.logger.Debug("docker worker started",
		slog.String("container", name),
		slog.String("image", l.config.Image),
		slog.Int("memory_mb", l.config.MemoryMB),
		slog.Float64("cpu_cores", l.config.CPUCores),
	)

	kill := func() error {
		// Killing the client alone can leave the container running.
		go l.forceRemoveContainer(name)
		return cmd.Process.Kill()
	}
	wait := func() error {
		waitErr := cmd.Wait()
		l.forceRemoveContainer(name)
		return exitError(waitErr, stderr.String())
	}

	return NewStreamConn(StreamConfig{
		Stdin:  stdin,
		Stdout: stdout,
		Kill:   kill,
		Wait:   wait,
		PID:    cmd.Process.Pid,
	}), nil
}

// buildDockerArgs constructs the full docker run argument list with all
// security hardening flags, followed by the image and worker command.
func (l *DockerLauncher) buildDockerArgs(name string) []string {
	memoryFlag := strconv.Itoa(l.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(l.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(l.config.PIDsLimit)

	return []string{
		"run", "-i", "--rm",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--network=none",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=16m",
		"--workdir", "/tmp",

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/tmp",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", protocol.EnvCPUSeconds + "=" + strconv.Itoa(l.config.Limits.MaxCPUSeconds),
		"--env", protocol.EnvMemoryMB + "=" + strconv.Itoa(l.config.Limits.MaxMemoryMB),

		l.config.Image,
		l.config.Binary, WorkerCommand,
	}
}

// forceRemoveContainer removes a container by name, ignoring "No such container".
func (l *DockerLauncher) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		l.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// generateContainerName returns a unique container name: hookd-wrk-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "hookd-wrk-" + hex.EncodeToString(b), nil
}
