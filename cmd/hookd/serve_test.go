package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jkaninda/hookd/internal/config"
	"github.com/jkaninda/hookd/internal/sandbox"
)

func TestHookRoutes(t *testing.T) {
	sup := sandbox.NewSupervisor(sandbox.SupervisorConfig{StructuralTimeout: 45 * time.Second}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg := &config.Config{Routes: []config.RouteConfig{
		{Method: "get", Path: "/orders/{id}", Code: "return 1", Repos: []string{"orders"}},
		{Name: "migrate", Path: "/migrate", Code: "return 2", Structural: true},
		{Path: "/slow", Code: "return 3", TimeoutMS: 250, Structural: true,
			Pre:  []config.HookConfig{{Name: "auth", Code: "return null"}},
			Post: []config.HookConfig{{Code: "return null"}}},
	}}

	routes := hookRoutes(cfg, sup)
	if len(routes) != 3 {
		t.Fatalf("got %d routes, want 3", len(routes))
	}

	if r := routes[0]; r.Name != "GET /orders/{id}" || r.Method != "GET" || r.Timeout != 0 || len(r.Repos) != 1 {
		t.Errorf("route 0 = %+v", r)
	}
	if r := routes[1]; r.Name != "migrate" || r.Method != "POST" || r.Timeout != 45*time.Second {
		t.Errorf("route 1 = %+v", r)
	}
	r := routes[2]
	if r.Timeout != 250*time.Millisecond {
		t.Errorf("route 2 timeout = %v, want explicit 250ms", r.Timeout)
	}
	if len(r.Pre) != 1 || r.Pre[0].Name != "auth" || len(r.Post) != 1 {
		t.Errorf("route 2 hooks = %+v / %+v", r.Pre, r.Post)
	}
}

func TestScheduleJobs(t *testing.T) {
	cfg := &config.Config{Schedules: []config.ScheduleConfig{
		{Name: "cleanup", Cron: "@hourly", Code: "return 1", TimeoutMS: 1000, Repos: []string{"sessions"}},
	}}
	jobs := scheduleJobs(cfg)
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	j := jobs[0]
	if j.Name != "cleanup" || j.Spec != "@hourly" || j.Timeout != time.Second || j.Repos[0] != "sessions" {
		t.Errorf("job = %+v", j)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsolationName(t *testing.T) {
	if got := isolationName(config.SandboxConfig{}); got != "process" {
		t.Errorf("default isolation = %q", got)
	}
	if got := isolationName(config.SandboxConfig{Isolation: "docker"}); got != "docker" {
		t.Errorf("isolation = %q", got)
	}
}
