package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"flexllama/internal/runner"
	"flexllama/internal/supervisor"
	"flexllama/pkg/types"
)

// modelLoadingError marks an upstream response that said the model is
// still loading. Subject to the retry policy.
type modelLoadingError struct{ msg string }

func (e modelLoadingError) Error() string { return e.msg }

func errModelLoading(msg string) error { return modelLoadingError{msg: msg} }

func isModelLoading(err error) bool {
	_, ok := err.(modelLoadingError)
	return ok
}

// runnerIsTransient reports failures that plausibly clear on retry: the
// upstream connection failed right after ensure, or the runner was
// swapped out underneath the request.
func runnerIsTransient(err error) bool {
	return runner.IsUpstream(err) || runner.IsNotReady(err)
}

// actionErrorStatus maps a control-endpoint failure to its status code.
func actionErrorStatus(err error) int {
	switch {
	case supervisor.IsUnknownRunner(err):
		return http.StatusNotFound
	case runner.IsBusy(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes the consistent OpenAI-style error payload.
func writeJSONError(w http.ResponseWriter, status int, msg, typ string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: types.ErrorDetail{Message: msg, Type: typ}})
}

// writeError translates an internal error to its public status code. A
// cancelled client gets nothing: there is nobody left to answer.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, "request timed out", "timeout")
	case supervisor.IsUnknownModel(err):
		writeJSONError(w, http.StatusNotFound, err.Error(), "model_not_found")
	case supervisor.IsUnknownRunner(err):
		writeJSONError(w, http.StatusNotFound, err.Error(), "runner_not_found")
	case supervisor.IsKindMismatch(err):
		writeJSONError(w, http.StatusBadRequest, err.Error(), "invalid_request")
	case runner.IsBusy(err):
		writeJSONError(w, http.StatusConflict, err.Error(), "runner_busy")
	case runner.IsLoad(err), isModelLoading(err), runner.IsNotReady(err):
		writeJSONError(w, http.StatusServiceUnavailable, "Model not ready: "+err.Error(), "model_not_ready")
	case runner.IsUpstream(err):
		writeJSONError(w, http.StatusBadGateway, err.Error(), "upstream_error")
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "internal_error")
	}
}
