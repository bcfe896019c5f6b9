package sandbox

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func routerContext() (*ExecutionContext, *memRepo, *logBook) {
	repo := &memRepo{rows: []map[string]any{{"id": "1", "name": "alice"}}}
	logs := &logBook{}
	return &ExecutionContext{
		Body:  map[string]any{"name": "alice"},
		Repos: map[string]Repository{"users": repo},
		Helpers: map[string]Func{
			"echo": func(_ context.Context, args []any) (any, error) { return args, nil },
		},
		Errors: map[string]ErrorFactory{
			"throw409": func(args []any) *ScriptError {
				msg := "conflict"
				if len(args) > 0 {
					if s, ok := args[0].(string); ok {
						msg = s
					}
				}
				return NewScriptError(409, msg)
			},
		},
		Logs: logs,
		Data: map[string]any{
			"nested": map[string]any{"deep": Func(func(context.Context, []any) (any, error) { return "deep", nil })},
		},
	}, repo, logs
}

func TestResolve_Repository(t *testing.T) {
	live, repo, _ := routerContext()

	b, err := Resolve(live, "repos.users.find")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Receiver != Repository(repo) || b.Method != "find" {
		t.Errorf("binding receiver=%v method=%q", b.Receiver, b.Method)
	}
	got, err := b.Invoke(context.Background(), []any{map[string]any{"name": "alice"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	rows := got.([]map[string]any)
	if len(rows) != 1 || rows[0]["id"] != "1" {
		t.Errorf("find = %v", rows)
	}

	create, err := Resolve(live, "repos.users.create")
	if err != nil {
		t.Fatalf("Resolve create: %v", err)
	}
	if _, err := create.Invoke(context.Background(), []any{map[string]any{"id": "2"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(repo.rows) != 2 {
		t.Errorf("repo has %d rows, want 2", len(repo.rows))
	}
}

func TestResolve_RepositoryArgumentErrors(t *testing.T) {
	live, _, _ := routerContext()

	b, _ := Resolve(live, "repos.users.find")
	_, err := b.Invoke(context.Background(), []any{"not an object"})
	var se *ScriptError
	if !errors.As(err, &se) || se.StatusCode != 400 {
		t.Errorf("find with a string filter: err = %v, want 400 ScriptError", err)
	}

	b, _ = Resolve(live, "repos.users.create")
	_, err = b.Invoke(context.Background(), nil)
	if !errors.As(err, &se) || se.StatusCode != 400 {
		t.Errorf("create without record: err = %v, want 400 ScriptError", err)
	}
}

func TestResolve_ArgumentsPassUnchanged(t *testing.T) {
	live, _, _ := routerContext()
	args := []any{"a", float64(2), map[string]any{"k": []any{true}}}

	b, err := Resolve(live, "helpers.echo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, err := b.Invoke(context.Background(), args)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !reflect.DeepEqual(got, args) {
		t.Errorf("echo = %#v, want %#v", got, args)
	}
}

func TestResolve_ErrorConstructorAborts(t *testing.T) {
	live, _, _ := routerContext()

	b, err := Resolve(live, "errors.throw409")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !b.Abort {
		t.Fatal("errors.* binding must abort")
	}
	_, err = b.Invoke(context.Background(), []any{"taken"})
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("Invoke err = %v, want *AbortError", err)
	}
	if abort.Err.StatusCode != 409 || abort.Err.Message != "taken" || abort.Err.Name != "ConflictError" {
		t.Errorf("abort error = %+v", abort.Err)
	}
}

func TestResolve_LogsAndData(t *testing.T) {
	live, _, logs := routerContext()

	b, err := Resolve(live, "logs")
	if err != nil {
		t.Fatalf("Resolve logs: %v", err)
	}
	if _, err := b.Invoke(context.Background(), []any{"hello"}); err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs.entries) != 1 || logs.entries[0][0] != "hello" {
		t.Errorf("log entries = %v", logs.entries)
	}

	b, err = Resolve(live, "nested.deep")
	if err != nil {
		t.Fatalf("Resolve nested.deep: %v", err)
	}
	if got, _ := b.Invoke(context.Background(), nil); got != "deep" {
		t.Errorf("nested.deep = %v", got)
	}
}

func TestResolve_Failures(t *testing.T) {
	live, _, _ := routerContext()

	tests := []struct {
		path string
		want error
	}{
		{"", ErrInvalidPath},
		{"helpers..echo", ErrInvalidPath},
		{"missing.fn", ErrInvalidPath},
		{"repos.orders.find", ErrInvalidPath},
		{"helpers.missing", ErrNotAFunction},
		{"body.name", ErrNotAFunction},
		{"repos.users.drop", ErrNotAFunction},
		{"req.method", ErrNotAFunction},
		{"headers.authorization", ErrNotAFunction},
		{"body", ErrNotAFunction},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := Resolve(live, tt.path)
			if !errors.Is(err, tt.want) {
				t.Errorf("Resolve(%q) err = %v, want %v", tt.path, err, tt.want)
			}
			var pe *PathError
			if !errors.As(err, &pe) || pe.Path != tt.path {
				t.Errorf("Resolve(%q) err = %v, want *PathError", tt.path, err)
			}
		})
	}
}

func TestPathError_Response(t *testing.T) {
	resp := (&PathError{Path: "x.y", Err: ErrNotAFunction}).Response()
	if resp.Name != "NotAFunctionError" || resp.StatusCode != 500 {
		t.Errorf("response = %+v", resp)
	}
	resp = (&PathError{Path: "x.y", Err: ErrInvalidPath}).Response()
	if resp.Name != "InvalidPathError" {
		t.Errorf("response = %+v", resp)
	}
}
