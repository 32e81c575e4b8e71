package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/Sternrassler/catalog-gateway/pkg/cache"
	"github.com/Sternrassler/catalog-gateway/pkg/upstream"
)

// ErrorResponse is the JSON body of failed requests.
type ErrorResponse struct {
	Error          string `json:"error"`
	Kind           string `json:"kind,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// statusFor maps a refresh failure to the status returned to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, upstream.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, upstream.ErrNotConfigured),
		errors.Is(err, upstream.ErrBudgetExhausted),
		errors.Is(err, cache.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func newErrorResponse(err error) ErrorResponse {
	return ErrorResponse{
		Error:          err.Error(),
		Kind:           string(upstream.KindOf(err)),
		UpstreamStatus: upstream.StatusOf(err),
	}
}
