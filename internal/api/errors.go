package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/nugget/furina/internal/agent"
	"github.com/nugget/furina/internal/companion"
	"github.com/nugget/furina/internal/llm"
	"github.com/nugget/furina/internal/memory"
)

// statusFor maps a request failure to an HTTP status code.
func statusFor(err error) int {
	var (
		validation *companion.ValidationError
		notFound   *companion.ErrCompanionNotFound
		transport  *llm.TransportError
		toolArgs   *agent.ToolArgumentError
		toolExec   *agent.ToolExecutionError
		recursion  *agent.RecursionLimitError
		store      *memory.StoreError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.Is(err, companion.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &transport), errors.As(err, &toolArgs),
		errors.As(err, &toolExec), errors.As(err, &recursion):
		return http.StatusBadGateway
	case errors.As(err, &store):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func errorType(code int) string {
	switch {
	case code == http.StatusBadGateway || code == http.StatusGatewayTimeout:
		return "upstream_error"
	case code >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}
