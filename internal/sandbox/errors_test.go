package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/hookd/internal/protocol"
)

func TestExecutionError_Public(t *testing.T) {
	tests := []struct {
		name       string
		err        *ExecutionError
		wantStatus int
		wantName   string
		wantMsg    string
	}{
		{
			name:       "user script keeps its status",
			err:        userScriptError(protocol.ErrorResponse{Message: "bad input", Name: "BadRequestError", StatusCode: 400}),
			wantStatus: 400,
			wantName:   "BadRequestError",
			wantMsg:    "bad input",
		},
		{
			name:       "user script without status",
			err:        userScriptError(protocol.ErrorResponse{Message: "boom"}),
			wantStatus: 500,
			wantName:   "Error",
			wantMsg:    "boom",
		},
		{
			name:       "user script with a non-error status",
			err:        userScriptError(protocol.ErrorResponse{Message: "odd", Name: "X", StatusCode: 200}),
			wantStatus: 500,
			wantName:   "X",
			wantMsg:    "odd",
		},
		{
			name:       "timeout",
			err:        timeoutError(time.Second, "while(true){}"),
			wantStatus: 504,
			wantName:   "TimeoutError",
			wantMsg:    "execution failed",
		},
		{
			name:       "transport",
			err:        transportError(&ExitError{Code: 137, Stderr: "/tmp/hookd-worker-1/secret path"}),
			wantStatus: 500,
			wantName:   "ExecutionError",
			wantMsg:    "execution failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := tt.err.Public()
			if pub.Status != tt.wantStatus || pub.Name != tt.wantName || pub.Message != tt.wantMsg {
				t.Errorf("Public() = %+v", pub)
			}
		})
	}
}

func TestExecutionError_Is(t *testing.T) {
	if err := error(timeoutError(time.Second, "")); !errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport) {
		t.Errorf("timeout classification wrong: %v", err)
	}
	if err := error(userScriptError(protocol.ErrorResponse{Message: "x"})); !errors.Is(err, ErrUserScript) {
		t.Errorf("user script classification wrong: %v", err)
	}

	exit := &ExitError{Code: 2, Stderr: "panic"}
	err := error(transportError(exit))
	if !errors.Is(err, ErrTransport) {
		t.Errorf("transport classification wrong: %v", err)
	}
	var got *ExitError
	if !errors.As(err, &got) || got != exit {
		t.Error("transport error must unwrap to its exit error")
	}
	ee, _ := AsExecutionError(err)
	if ee.ExitCode != 2 || ee.Stderr != "panic" {
		t.Errorf("exit details = %+v", ee)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := error(canceledError(ctx)); !errors.Is(err, context.Canceled) || !errors.Is(err, ErrTransport) {
		t.Errorf("cancellation classification wrong: %v", err)
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("Classify(nil) must be nil")
	}

	ee := Classify(Abort(NewScriptError(403, "no")))
	if ee.Kind != KindUserScript || !ee.Aborted || ee.StatusCode != 403 || ee.Name != "ForbiddenError" {
		t.Errorf("abort classified as %+v", ee)
	}

	ee = Classify(errors.New("pipe broke"))
	if ee.Kind != KindTransport || !strings.Contains(ee.Error(), "pipe broke") {
		t.Errorf("plain error classified as %+v", ee)
	}

	orig := timeoutError(time.Second, "")
	if Classify(orig) != orig {
		t.Error("an ExecutionError must classify as itself")
	}
}

func TestScriptError(t *testing.T) {
	se := NewScriptError(422, "invalid")
	se.Details = map[string]any{"field": "email"}
	if se.Name != "ValidationError" || se.Error() != "ValidationError: invalid" {
		t.Errorf("script error = %+v", se)
	}
	resp := se.Response()
	if resp.StatusCode != 422 || resp.Name != "ValidationError" || resp.Details == nil {
		t.Errorf("response = %+v", resp)
	}
}
