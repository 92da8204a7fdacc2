package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"openui-router/internal/provider"
	"openui-router/internal/session"
	"openui-router/internal/stream"
	"openui-router/internal/translator"
)

func (s *Server) handleChatCompletions(c echo.Context) error {
	sess, ok := session.FromContext(c)
	if !ok {
		return toHTTPError(session.ErrNoSession)
	}

	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	meter, err := s.router.Dispatch(ctx, sess.UserID, req.ToUnified())
	if errors.Is(err, provider.ErrStreamTimeout) {
		return writeSSE(c, func(ctx context.Context) (stream.Frame, error) {
			return stream.ErrorFrame(err), io.EOF
		})
	}
	if err != nil {
		return toHTTPError(err)
	}
	defer meter.Close()

	return writeSSE(c, meter.Next)
}

// writeSSE commits the event-stream headers and forwards frames from next
// until io.EOF or the caller goes away. Once headers are sent every outcome
// is in-band, so write failures are only logged.
func writeSSE(c echo.Context, next func(context.Context) (stream.Frame, error)) error {
	res := c.Response()
	header := res.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	if err := http.NewResponseController(res).SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("clear write deadline", "err", err)
	}
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ctx := c.Request().Context()
	for {
		frame, err := next(ctx)
		if frame.Text != "" {
			if _, werr := io.WriteString(res, frame.Text); werr != nil {
				slog.Info("stream write failed", "err", werr)
				return nil
			}
			res.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			slog.Info("stream stopped", "err", err)
			return nil
		}
	}
}
