package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"openui-router/internal/config"
	"openui-router/internal/session"
)

type sessionResponse struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username,omitempty"`
	TokenCount int64  `json:"token_count"`
	MaxTokens  int64  `json:"max_tokens"`
	ExpiresAt  int64  `json:"expires_at"`
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, ok := session.FromContext(c)
	if !ok {
		if s.cfg.Environment != config.EnvLocal {
			return requestError{Status: http.StatusNotFound, Code: codeAPI, Message: msgNoSession}
		}
		token, provisioned, err := s.sessions.Provision()
		if err != nil {
			return toHTTPError(err)
		}
		c.SetCookie(s.sessions.Cookie(token, c.IsTLS()))
		session.Attach(c, provisioned)
		sess = provisioned
	}

	resp := sessionResponse{
		UserID:    sess.UserID,
		Username:  sess.Username,
		MaxTokens: s.cfg.MaxTokens,
		ExpiresAt: sess.ExpiresAt.Unix(),
	}
	if s.usage != nil {
		used, err := s.usage.SumSince(c.Request().Context(), sess.UserID, s.now().Add(-24*time.Hour))
		if err != nil {
			return toHTTPError(err)
		}
		resp.TokenCount = used
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	if _, ok := session.FromContext(c); !ok {
		return requestError{Status: http.StatusNotFound, Code: codeAPI, Message: msgNoSession}
	}
	c.SetCookie(session.ClearCookie())
	return c.JSON(http.StatusOK, map[string]any{})
}
