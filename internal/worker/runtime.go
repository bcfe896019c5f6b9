// Package worker is the sandbox runtime: the only job of a worker process.
// It receives execute requests on stdin, runs each code body in a fresh
// JavaScript VM, and reaches host capabilities only through call messages.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/jkaninda/hookd/internal/protocol"
)

// Runtime serves execute requests over one message stream.
// It owns all per-execution state; nothing is process-global.
type Runtime struct {
	reader *protocol.Reader
	writer *protocol.Writer
	logger *slog.Logger
}

// New creates a runtime reading requests from in and writing replies to out.
func New(in io.Reader, out io.Writer, logger *slog.Logger) *Runtime {
	return &Runtime{
		reader: protocol.NewReader(in),
		writer: protocol.NewWriter(out),
		logger: logger,
	}
}

// Serve handles execute requests one at a time until the input ends or ctx
// is cancelled. Cancelling ctx also interrupts a running code body.
func (r *Runtime) Serve(ctx context.Context) error {
	msgs := make(chan *protocol.Envelope)
	readErr := make(chan error, 1)

	go func() {
		defer close(msgs)
		for {
			env, err := r.reader.Read()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-msgs:
			if !ok {
				var err error
				select {
				case err = <-readErr:
				default:
				}
				if err == nil || errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if env.Type != protocol.MsgExecute {
				r.logger.Debug("ignoring message outside an execution",
					slog.String("type", string(env.Type)),
				)
				continue
			}
			var req protocol.ExecutePayload
			if err := env.Decode(&req); err != nil {
				r.sendError(env.ExecutionID, protocol.ErrorResponse{Message: "malformed execute request: " + err.Error(), Name: "ProtocolError"})
				continue
			}
			x := newExecution(r, env.ExecutionID, msgs)
			x.run(ctx, req)
		}
	}
}

func (r *Runtime) sendError(executionID string, resp protocol.ErrorResponse) {
	if err := r.writer.Send(protocol.MsgError, executionID, protocol.ErrorPayload{Error: resp}); err != nil {
		r.logger.Error("failed to send error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) sendDone(executionID string, data any, final map[string]any) {
	err := r.writer.Send(protocol.MsgDone, executionID, protocol.DonePayload{Data: data, Context: final})
	if err == nil {
		return
	}
	// A result json cannot carry (NaN, Infinity) is reported as a script error.
	r.sendError(executionID, protocol.ErrorResponse{Message: "result is not serializable: " + err.Error(), Name: "TypeError"})
}
