package capability

import (
	"fmt"
	"net/http"

	"github.com/jkaninda/hookd/internal/sandbox"
)

var throwStatuses = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
}

// DefaultErrors returns the error constructors exposed as $errors.
// throwNNN(message, details) aborts with status NNN; throw(status, message, details)
// takes the status as its first argument.
func DefaultErrors() map[string]sandbox.ErrorFactory {
	out := make(map[string]sandbox.ErrorFactory, len(throwStatuses)+1)
	for _, status := range throwStatuses {
		out[fmt.Sprintf("throw%d", status)] = statusError(status)
	}
	out["throw"] = func(args []any) *sandbox.ScriptError {
		status := http.StatusInternalServerError
		if len(args) > 0 {
			if n, ok := args[0].(float64); ok && n >= 400 && n <= 599 {
				status = int(n)
			}
			args = args[1:]
		}
		return statusError(status)(args)
	}
	return out
}

func statusError(status int) sandbox.ErrorFactory {
	return func(args []any) *sandbox.ScriptError {
		msg := http.StatusText(status)
		if len(args) > 0 {
			if s, ok := args[0].(string); ok && s != "" {
				msg = s
			}
		}
		se := sandbox.NewScriptError(status, msg)
		if len(args) > 1 {
			se.Details = args[1]
		}
		return se
	}
}
