package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"openui-router/internal/provider"
	"openui-router/internal/session"
)

const (
	codeAPI        = "api_error"
	codeValidation = "validation_error"
	codeInternal   = "internal_error"

	msgLoginRequired = "Login required to use OpenUI"
	msgNoSession     = "No session found"
	msgQuota         = "You've exceeded our usage quota, come back tomorrow to generate more UI."
	msgInvalidModel  = "Invalid model"
)

type requestError struct {
	Status  int
	Code    string
	Message string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, code, message string) error {
	var payload errorBody
	payload.Error.Code = code
	payload.Error.Message = message
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Code, reqErr.Message)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, codeAPI, fmt.Sprint(he.Message))
		return
	}

	slog.Error("unhandled error", "uri", c.Request().RequestURI, "err", err)
	_ = writeError(c, http.StatusInternalServerError, codeInternal, fmt.Sprintf("Internal Server Error: %v", err))
}

// toHTTPError maps the error taxonomy onto statuses in one place.
func toHTTPError(err error) error {
	var (
		reqErr  requestError
		provErr *provider.ProviderError
	)
	switch {
	case errors.As(err, &reqErr):
		return reqErr
	case errors.Is(err, session.ErrNoSession):
		return requestError{Status: http.StatusUnauthorized, Code: codeAPI, Message: msgLoginRequired}
	case errors.Is(err, provider.ErrQuotaExceeded):
		return requestError{Status: http.StatusTooManyRequests, Code: codeAPI, Message: msgQuota}
	case errors.Is(err, provider.ErrModelNotFound):
		return requestError{Status: http.StatusNotFound, Code: codeAPI, Message: msgInvalidModel}
	case errors.Is(err, provider.ErrProviderUnavailable):
		return requestError{Status: http.StatusInternalServerError, Code: codeAPI, Message: err.Error()}
	case errors.As(err, &provErr):
		return requestError{Status: provErr.StatusCode, Code: codeAPI, Message: provErr.Message}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return requestError{Status: http.StatusServiceUnavailable, Code: codeAPI, Message: err.Error()}
	default:
		return requestError{
			Status:  http.StatusInternalServerError,
			Code:    codeInternal,
			Message: fmt.Sprintf("Internal Server Error: %v", err),
		}
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Code:    codeValidation,
				Message: "request body is required",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Code:    codeValidation,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Code:    codeValidation,
			Message: "request body must contain a single JSON object",
		}
	}
	return nil
}
