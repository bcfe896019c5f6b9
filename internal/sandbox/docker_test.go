package sandbox

import (
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
)

func TestDockerLauncher_Defaults(t *testing.T) {
	l := NewDockerLauncher(DockerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if l.config.Image != defaultDockerImage {
		t.Errorf("image = %q, want %q", l.config.Image, defaultDockerImage)
	}
	if l.config.MemoryMB != defaultMemoryMB {
		t.Errorf("memory = %d, want %d", l.config.MemoryMB, defaultMemoryMB)
	}
	if l.config.PIDsLimit != defaultDockerPIDsLimit {
		t.Errorf("pids = %d, want %d", l.config.PIDsLimit, defaultDockerPIDsLimit)
	}
}

func TestDockerLauncher_HardeningFlags(t *testing.T) {
	l := NewDockerLauncher(DockerConfig{MemoryMB: 64, CPUCores: 0.5, PIDsLimit: 16}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	args := l.buildDockerArgs("hookd-wrk-test")

	for _, want := range []string{
		"-i",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--network=none",
		"--memory=64m",
		"--memory-swap=64m",
		"--cpus=0.50",
		"--pids-limit=16",
	} {
		if !slices.Contains(args, want) {
			t.Errorf("missing flag %q in %v", want, args)
		}
	}

	// Image, binary and worker command close the argument list.
	tail := args[len(args)-3:]
	if tail[0] != defaultDockerImage || tail[1] != "hookd" || tail[2] != WorkerCommand {
		t.Errorf("unexpected tail %v", tail)
	}
}

func TestGenerateContainerName(t *testing.T) {
	a, err := generateContainerName()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := generateContainerName()
	if a == b {
		t.Error("container names should be unique")
	}
	if !strings.HasPrefix(a, "hookd-wrk-") || len(a) != len("hookd-wrk-")+16 {
		t.Errorf("unexpected name %q", a)
	}
}
