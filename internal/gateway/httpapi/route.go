package httpapi

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/jkaninda/hookd/internal/observability"
	"github.com/jkaninda/hookd/internal/sandbox"
)

// resultKey is where post-hooks find the handler's result in share.
const resultKey = "result"

// Hook is one pre- or post-hook code body.
type Hook struct {
	Name string
	Code string
}

// Route binds a handler and its hooks to an HTTP route.
type Route struct {
	Name    string
	Method  string
	Path    string // okapi pattern, e.g. /orders/{id}
	Code    string
	Pre     []Hook
	Post    []Hook
	Timeout time.Duration // 0 = executor default.
	Repos   []string      // Collections exposed as $repos.

	params []string
}

var paramPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)(?::[^}]*)?\}|:([A-Za-z_][A-Za-z0-9_]*)`)

// pathParams lists the parameter names in an okapi path pattern.
// Both {name} and :name forms are recognised.
func pathParams(path string) []string {
	var names []string
	for _, m := range paramPattern.FindAllStringSubmatch(path, -1) {
		if m[1] != "" {
			names = append(names, m[1])
		} else {
			names = append(names, m[2])
		}
	}
	return names
}

func (rt *Route) compile() {
	rt.Method = strings.ToUpper(rt.Method)
	if rt.Method == "" {
		rt.Method = http.MethodPost
	}
	if rt.Name == "" {
		rt.Name = rt.Method + " " + rt.Path
	}
	rt.params = pathParams(rt.Path)
}

// runPipeline runs pre-hooks, the handler and post-hooks as chained
// executions on one live context. Merge after each execution carries share
// and other plain data forward.
//
// A pre-hook that returns a value other than null answers the request: the
// remaining pre-hooks and the handler are skipped, post-hooks still run.
// Post-hooks see the current result as share.result; a post-hook that
// returns a value other than null replaces it.
func runPipeline(ctx context.Context, exec sandbox.Executor, rt *Route, live *sandbox.ExecutionContext) (any, error) {
	if live.Share == nil {
		live.Share = map[string]any{}
	}

	var (
		result   any
		answered bool
	)
	for _, h := range rt.Pre {
		out, err := exec.Execute(observability.WithExecutionLabels(ctx, rt.Name, "pre"), h.Code, live, rt.Timeout)
		if err != nil {
			return nil, err
		}
		if out != nil {
			result, answered = out, true
			break
		}
	}

	if !answered {
		out, err := exec.Execute(observability.WithExecutionLabels(ctx, rt.Name, "handler"), rt.Code, live, rt.Timeout)
		if err != nil {
			return nil, err
		}
		result = out
	}

	for _, h := range rt.Post {
		live.Share[resultKey] = result
		out, err := exec.Execute(observability.WithExecutionLabels(ctx, rt.Name, "post"), h.Code, live, rt.Timeout)
		if err != nil {
			return nil, err
		}
		if out != nil {
			result = out
		}
	}
	return result, nil
}
