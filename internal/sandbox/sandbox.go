// Package sandbox runs untrusted code bodies in isolated worker processes.
// The host keeps the live ExecutionContext; the worker only ever sees a
// serialized copy plus path descriptors it can call back through.
package sandbox

import (
	"context"
	"net/http"
	"time"
)

// Executor runs a code body against a live context.
type Executor interface {
	Execute(ctx context.Context, code string, live *ExecutionContext, timeout time.Duration) (any, error)
}

// Func is a host function the code may call by path.
type Func func(ctx context.Context, args []any) (any, error)

// ErrorFactory builds the error an errors.<name> call aborts with.
type ErrorFactory func(args []any) *ScriptError

// Callable is an object capability invoked as a single function, such as the log book.
type Callable interface {
	Call(ctx context.Context, args []any) (any, error)
}

// Repository is a handle on one logical collection.
// Implementations must be safe for concurrent use by multiple executions.
type Repository interface {
	Find(ctx context.Context, filter map[string]any) ([]map[string]any, error)
	Create(ctx context.Context, record map[string]any) (map[string]any, error)
	Update(ctx context.Context, filter, changes map[string]any) (int64, error)
	Delete(ctx context.Context, filter map[string]any) (int64, error)
}

// UploadedFile is a request file attachment, exposed to code as plain data.
type UploadedFile struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Data        []byte `json:"data"`
}

// ExecutionContext is the capability and data graph for one logical request.
// The host owns it for the lifetime of the request.
type ExecutionContext struct {
	Body   any
	Query  map[string]any
	Params map[string]any
	User   any

	Repos   map[string]Repository
	Helpers map[string]Func
	Errors  map[string]ErrorFactory
	Logs    Callable

	// Share carries values between chained executions (pre-hook → handler → post-hook).
	Share map[string]any

	UploadedFile *UploadedFile
	Request      *http.Request
	Headers      http.Header

	// Data holds additional top-level fields. Values may be Func.
	Data map[string]any
}

// Top-level context keys as the code sees them.
const (
	KeyBody         = "body"
	KeyQuery        = "query"
	KeyParams       = "params"
	KeyUser         = "user"
	KeyRepos        = "repos"
	KeyHelpers      = "helpers"
	KeyErrors       = "errors"
	KeyLogs         = "logs"
	KeyShare        = "share"
	KeyUploadedFile = "uploadedFile"
	KeyRequest      = "req"
	KeyHeaders      = "headers"
)
