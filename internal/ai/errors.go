package ai

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/kdimtricp/vsearch/internal/models"
	"github.com/sashabaranov/go-openai"
)

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// classify marks provider errors worth retrying as transient and passes
// everything else through unchanged.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.Transient(err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.HTTPStatusCode) {
			return models.Transient(err)
		}
		return err
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if retryableStatus(reqErr.HTTPStatusCode) {
			return models.Transient(err)
		}
		return err
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if retryableStatus(statusErr.Code) {
			return models.Transient(err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.Transient(err)
	}
	return err
}

// StatusError is a non-2xx answer from an HTTP provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return http.StatusText(e.Code) + ": " + e.Body
}
