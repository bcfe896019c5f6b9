package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dop251/goja"
	"github.com/jkaninda/hookd/internal/protocol"
)

// params are the names the code body sees. $ctx is the whole context;
// the rest are shortcuts to its top-level fields.
var params = []string{
	"$ctx", "$body", "$query", "$params", "$user", "$repos", "$helpers",
	"$errors", "$logs", "$share", "$file", "$req",
}

var paramFields = []string{
	"body", "query", "params", "user", "repos", "helpers",
	"errors", "logs", "share", "uploadedFile", "req",
}

// wrap turns the code body into an async function expression.
func wrap(code string) string {
	return "(async function(" + strings.Join(params, ", ") + ") {\n\"use strict\";\n" + code + "\n})"
}

// settleFunc resolves (fail == nil) or rejects a pending call's promise.
type settleFunc func(result any, fail goja.Value)

// interrupted is the value passed to Interrupt when the execution is cancelled.
type interrupted struct{}

// execution is the state of one code body run.
type execution struct {
	rt   *Runtime
	id   string
	msgs <-chan *protocol.Envelope

	vm      *goja.Runtime
	nextID  uint64
	pending map[uint64]settleFunc

	// unhandled tracks rejected promises that have no handler yet.
	unhandled map[*goja.Promise]struct{}
}

func newExecution(rt *Runtime, id string, msgs <-chan *protocol.Envelope) *execution {
	return &execution{
		rt:        rt,
		id:        id,
		msgs:      msgs,
		pending:   make(map[uint64]settleFunc),
		unhandled: make(map[*goja.Promise]struct{}),
	}
}

func (x *execution) run(ctx context.Context, req protocol.ExecutePayload) {
	x.vm = goja.New()
	_ = x.vm.Set("eval", goja.Undefined())
	_ = x.vm.Set("Function", goja.Undefined())
	x.vm.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		switch op {
		case goja.PromiseRejectionReject:
			x.unhandled[p] = struct{}{}
		case goja.PromiseRejectionHandle:
			delete(x.unhandled, p)
		}
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			x.vm.Interrupt(interrupted{})
		case <-stop:
		}
	}()

	ctxObj := x.buildContext(req.Context)

	fnVal, err := x.vm.RunString(wrap(req.Code))
	if err != nil {
		x.fail(x.thrown(err))
		return
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		x.fail(protocol.ErrorResponse{Message: "code body did not compile to a function", Name: "SyntaxError"})
		return
	}

	args := make([]goja.Value, 0, len(params))
	args = append(args, ctxObj)
	for _, field := range paramFields {
		v := ctxObj.Get(field)
		if v == nil {
			v = goja.Undefined()
		}
		args = append(args, v)
	}
	ret, err := fn(goja.Undefined(), args...)
	if err != nil {
		x.fail(x.thrown(err))
		return
	}
	promise, ok := ret.Export().(*goja.Promise)
	if !ok {
		x.finish(ret, ctxObj)
		return
	}
	x.await(ctx, promise, ctxObj)
}

// await drives the event loop until the main promise settles. Replies to
// proxied calls are the only events that can make progress.
func (x *execution) await(ctx context.Context, main *goja.Promise, ctxObj *goja.Object) {
	for {
		if ctx.Err() != nil {
			return
		}
		for p := range x.unhandled {
			if p != main {
				x.fail(x.errorResponse(p.Result()))
				return
			}
		}
		switch main.State() {
		case goja.PromiseStateFulfilled:
			x.finish(main.Result(), ctxObj)
			return
		case goja.PromiseStateRejected:
			x.fail(x.errorResponse(main.Result()))
			return
		}
		if len(x.pending) == 0 {
			x.fail(protocol.ErrorResponse{
				Message: "execution stalled: awaiting a promise that can never settle",
				Name:    "Error",
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case env, ok := <-x.msgs:
			if !ok {
				return
			}
			x.handle(env)
		}
	}
}

// handle applies one host message during an execution.
func (x *execution) handle(env *protocol.Envelope) {
	if env.ExecutionID != x.id {
		x.rt.logger.Debug("dropping message for another execution",
			slog.String("type", string(env.Type)),
		)
		return
	}
	if env.Type != protocol.MsgCallResult {
		x.rt.logger.Warn("unexpected message during execution", slog.String("type", string(env.Type)))
		return
	}
	var res protocol.CallResultPayload
	if err := env.Decode(&res); err != nil {
		x.rt.logger.Warn("malformed call result", slog.String("error", err.Error()))
		return
	}
	settle, ok := x.pending[res.CallID]
	if !ok {
		return
	}
	delete(x.pending, res.CallID)

	if res.Error {
		resp := protocol.ErrorResponse{Message: "capability call failed", Name: "Error"}
		if res.ErrorResponse != nil {
			resp = *res.ErrorResponse
		}
		settle(nil, x.newError(resp))
		return
	}
	settle(x.toValue(res.Result), nil)
}

// proxy returns a function that forwards its arguments to the host
// capability at path and returns a promise for the reply.
func (x *execution) proxy(path string) goja.Value {
	return x.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = export(a)
		}

		promise, resolve, reject := x.vm.NewPromise()
		x.nextID++
		id := x.nextID

		err := x.rt.writer.Send(protocol.MsgCall, x.id, protocol.CallPayload{CallID: id, Path: path, Args: args})
		if err != nil {
			reject(x.newError(protocol.ErrorResponse{Message: fmt.Sprintf("calling %s: %v", path, err), Name: "TypeError"}))
			return x.vm.ToValue(promise)
		}
		x.pending[id] = func(result any, fail goja.Value) {
			if fail != nil {
				reject(fail)
				return
			}
			resolve(result)
		}
		return x.vm.ToValue(promise)
	})
}

func (x *execution) finish(result goja.Value, ctxObj *goja.Object) {
	final, _ := export(ctxObj).(map[string]any)
	x.rt.sendDone(x.id, export(result), final)
}

func (x *execution) fail(resp protocol.ErrorResponse) {
	x.rt.sendError(x.id, resp)
}

// thrown converts an error from the VM into an error response.
func (x *execution) thrown(err error) protocol.ErrorResponse {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		resp := x.errorResponse(exc.Value())
		if resp.Stack == "" {
			resp.Stack = exc.String()
		}
		return resp
	}
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		return protocol.ErrorResponse{Message: "execution interrupted", Name: "InterruptedError"}
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return protocol.ErrorResponse{Message: syntax.Error(), Name: "SyntaxError"}
	}
	return protocol.ErrorResponse{Message: err.Error(), Name: "Error"}
}

// errorResponse reads the structured fields off a thrown value. Host errors
// rejected into the VM carry name, statusCode and details, so they round-trip.
func (x *execution) errorResponse(v goja.Value) protocol.ErrorResponse {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return protocol.ErrorResponse{Message: "script rejected with no reason", Name: "Error"}
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return protocol.ErrorResponse{Message: v.String(), Name: "Error"}
	}

	resp := protocol.ErrorResponse{
		Message: stringProp(obj, "message"),
		Name:    stringProp(obj, "name"),
		Stack:   stringProp(obj, "stack"),
	}
	for _, key := range []string{"statusCode", "status"} {
		if sc := obj.Get(key); sc != nil && !goja.IsUndefined(sc) && !goja.IsNull(sc) {
			resp.StatusCode = int(sc.ToInteger())
			break
		}
	}
	if d := obj.Get("details"); d != nil && !goja.IsUndefined(d) {
		resp.Details = export(d)
	}
	if resp.Message == "" {
		resp.Message = v.String()
	}
	if resp.Name == "" {
		resp.Name = "Error"
	}
	return resp
}

// newError builds a JS Error carrying the structured fields of resp.
func (x *execution) newError(resp protocol.ErrorResponse) goja.Value {
	obj, err := x.vm.New(x.vm.Get("Error"), x.vm.ToValue(resp.Message))
	if err != nil {
		return x.vm.ToValue(resp.Message)
	}
	if resp.Name != "" {
		_ = obj.Set("name", resp.Name)
	}
	if resp.StatusCode != 0 {
		_ = obj.Set("statusCode", resp.StatusCode)
	}
	if resp.Details != nil {
		_ = obj.Set("details", x.toValue(resp.Details))
	}
	return obj
}

func stringProp(obj *goja.Object, name string) string {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
