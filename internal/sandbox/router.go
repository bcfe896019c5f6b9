package sandbox

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Binding is a resolved call target on the live context.
type Binding struct {
	Path     string
	Receiver any    // Value the method was found on.
	Method   string // Final path segment.

	// Abort is set for error constructors: invoking one ends the execution.
	Abort bool

	call    func(ctx context.Context, args []any) (any, error)
	factory ErrorFactory
}

// Invoke calls the bound capability with args, unchanged.
// For an Abort binding it returns the constructed error wrapped in *AbortError.
func (b *Binding) Invoke(ctx context.Context, args []any) (any, error) {
	if b.Abort {
		return nil, Abort(b.ScriptError(args))
	}
	return b.call(ctx, args)
}

// ScriptError builds the error an Abort binding raises.
func (b *Binding) ScriptError(args []any) *ScriptError {
	if b.factory == nil {
		return NewScriptError(500, "aborted by "+b.Path)
	}
	se := b.factory(args)
	if se == nil {
		se = NewScriptError(500, "aborted by "+b.Path)
	}
	return se
}

// Resolve locates the capability at path on the live context. Every
// segment but the last must exist; the last must name something callable.
// Known capability maps are looked up by type, plain data is walked.
func Resolve(live *ExecutionContext, path string) (*Binding, error) {
	if live == nil || path == "" {
		return nil, &PathError{Path: path, Err: ErrInvalidPath}
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, &PathError{Path: path, Err: ErrInvalidPath}
		}
	}

	var cur any = liveRoot{live}
	for _, seg := range segs[:len(segs)-1] {
		next, ok := lookup(cur, seg)
		if !ok {
			return nil, &PathError{Path: path, Err: ErrInvalidPath}
		}
		cur = next
	}

	method := segs[len(segs)-1]
	target, ok := lookup(cur, method)
	if !ok {
		return nil, &PathError{Path: path, Err: ErrNotAFunction}
	}

	b := &Binding{Path: path, Receiver: cur, Method: method}
	if root, ok := cur.(liveRoot); ok {
		b.Receiver = root.ctx
	}
	switch fn := target.(type) {
	case ErrorFactory:
		if fn == nil {
			break
		}
		b.Abort = true
		b.factory = fn
		return b, nil
	case Func:
		if fn == nil {
			break
		}
		b.call = fn
		return b, nil
	case func(context.Context, []any) (any, error):
		if fn == nil {
			break
		}
		b.call = fn
		return b, nil
	case repoMethod:
		b.Receiver = fn.repo
		b.call = fn.invoke
		return b, nil
	case Callable:
		if reflect.ValueOf(fn).Kind() == reflect.Pointer && reflect.ValueOf(fn).IsNil() {
			break
		}
		b.call = fn.Call
		return b, nil
	}
	return nil, &PathError{Path: path, Err: ErrNotAFunction}
}

// liveRoot marks the top of the context during a walk.
type liveRoot struct {
	ctx *ExecutionContext
}

// repoMethod is a repository method bound to its repository.
type repoMethod struct {
	repo   Repository
	method string
}

func (m repoMethod) invoke(ctx context.Context, args []any) (any, error) {
	switch m.method {
	case "find":
		filter, err := mapArg(args, 0)
		if err != nil {
			return nil, err
		}
		return m.repo.Find(ctx, filter)
	case "create":
		record, err := mapArg(args, 0)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, NewScriptError(400, "create requires a record")
		}
		return m.repo.Create(ctx, record)
	case "update":
		filter, err := mapArg(args, 0)
		if err != nil {
			return nil, err
		}
		changes, err := mapArg(args, 1)
		if err != nil {
			return nil, err
		}
		return m.repo.Update(ctx, filter, changes)
	case "delete":
		filter, err := mapArg(args, 0)
		if err != nil {
			return nil, err
		}
		return m.repo.Delete(ctx, filter)
	}
	return nil, fmt.Errorf("unknown repository method %q", m.method)
}

func mapArg(args []any, i int) (map[string]any, error) {
	if i >= len(args) || args[i] == nil {
		return nil, nil
	}
	m, ok := args[i].(map[string]any)
	if !ok {
		return nil, NewScriptError(400, fmt.Sprintf("argument %d must be an object", i+1))
	}
	return m, nil
}

// lookup returns the named child of v.
func lookup(v any, seg string) (any, bool) {
	switch x := v.(type) {
	case liveRoot:
		return rootField(x.ctx, seg)
	case map[string]Repository:
		r, ok := x[seg]
		return r, ok && r != nil
	case map[string]Func:
		fn, ok := x[seg]
		return fn, ok
	case map[string]ErrorFactory:
		fn, ok := x[seg]
		return fn, ok
	case Repository:
		switch seg {
		case "find", "create", "update", "delete":
			return repoMethod{repo: x, method: seg}, true
		}
		return nil, false
	case map[string]any:
		child, ok := x[seg]
		return child, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(x) {
			return nil, false
		}
		return x[i], true
	case nil:
		return nil, false
	}
	return reflectLookup(reflect.ValueOf(v), seg)
}

func rootField(live *ExecutionContext, seg string) (any, bool) {
	switch seg {
	case KeyBody:
		return live.Body, true
	case KeyQuery:
		return live.Query, true
	case KeyParams:
		return live.Params, true
	case KeyUser:
		return live.User, true
	case KeyShare:
		return live.Share, true
	case KeyRepos:
		return live.Repos, true
	case KeyHelpers:
		return live.Helpers, true
	case KeyErrors:
		return live.Errors, true
	case KeyLogs:
		return live.Logs, live.Logs != nil
	case KeyUploadedFile:
		return live.UploadedFile, live.UploadedFile != nil
	case KeyRequest, KeyHeaders:
		// Request data is reduced before it reaches the code and holds nothing callable.
		return map[string]any{}, true
	}
	v, ok := live.Data[seg]
	return v, ok
}

func reflectLookup(rv reflect.Value, seg string) (any, bool) {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			if name, ok := fieldName(t.Field(i)); ok && name == seg {
				return rv.Field(i).Interface(), true
			}
		}
	}
	return nil, false
}
