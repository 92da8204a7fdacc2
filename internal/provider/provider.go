package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"openui-router/internal/models"
)

// ErrModelNotFound indicates no route matches the requested model.
var ErrModelNotFound = errors.New("model not found")

// ErrProviderUnavailable indicates the matching provider is not configured.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrQuotaExceeded indicates the user spent their daily token allowance.
var ErrQuotaExceeded = errors.New("usage quota exceeded")

// ErrStreamTimeout indicates the provider did not produce a first element in time.
var ErrStreamTimeout = errors.New("timed out waiting for provider stream")

// ErrDecode marks a malformed inline image payload. It never reaches callers;
// offending images are dropped.
var ErrDecode = errors.New("decode image payload")

// ProviderError is the single taxonomy member for upstream failures.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("provider error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error (%d): %s", e.Provider, e.StatusCode, e.Message)
}

// NewProviderError builds a ProviderError, defaulting the status to 500.
func NewProviderError(name string, status int, message string) *ProviderError {
	if status < 400 {
		status = http.StatusInternalServerError
	}
	return &ProviderError{Provider: name, StatusCode: status, Message: message}
}

// Decoder yields canonical chunks converted from one provider's native stream.
// Next reports done=true when the native element carried an explicit end
// marker and returns io.EOF once the upstream is exhausted without one.
type Decoder interface {
	Next(ctx context.Context) (chunk models.Chunk, done bool, err error)
	Close() error
}
