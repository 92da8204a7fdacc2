package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"openui-router/internal/config"
	"openui-router/internal/router"
	"openui-router/internal/session"
	"openui-router/internal/usage"
)

const (
	maxBodyBytes        = 20 << 20 // inline images travel as data URIs
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// TagLister lists the models installed on the local server.
type TagLister interface {
	Tags(ctx context.Context) (json.RawMessage, error)
}

// Deps are the collaborators the server needs besides configuration.
type Deps struct {
	Router   *router.Router
	Sessions *session.Manager
	Usage    usage.Ledger
	Tags     TagLister
}

type Server struct {
	cfg      config.Config
	router   *router.Router
	sessions *session.Manager
	usage    usage.Ledger
	tags     TagLister
	app      *echo.Echo
	address  string
	now      func() time.Time
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Router == nil {
		return nil, errors.New("router must not be nil")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session manager must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			}
			if s, ok := session.FromContext(c); ok {
				attrs = append(attrs, "user", s.UserID)
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(deps.Sessions.Middleware())

	srv := &Server{
		cfg:      cfg,
		router:   deps.Router,
		sessions: deps.Sessions,
		usage:    deps.Usage,
		tags:     deps.Tags,
		app:      e,
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
		now:      time.Now,
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the echo instance for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.cfg.Environment)
	slog.Info("starting server", "addr", s.address, "environment", string(s.cfg.Environment))

	// No WriteTimeout: completions stream for minutes.
	httpServer := &http.Server{
		Addr:              s.address,
		Handler:           s.app,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/chat/completions", s.handleChatCompletions)
	s.app.GET("/v1/session", s.handleGetSession)
	s.app.DELETE("/v1/session", s.handleDeleteSession)
	s.app.GET("/v1/models", s.handleModels)
	s.app.GET("/v1/ollama/tags", s.handleOllamaTags)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func printStartupBanner(port int, env config.Environment) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Printf("openui-router ready (%s)\n", env)
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET    /health")
	fmt.Println("  POST   /v1/chat/completions")
	fmt.Println("  GET    /v1/session")
	fmt.Println("  DELETE /v1/session")
	fmt.Println("  GET    /v1/models")
	fmt.Println("  GET    /v1/ollama/tags")
	fmt.Printf("Example:\n  curl -N http://%s:%d/v1/chat/completions -H \"Authorization: Bearer $TOKEN\" -H 'Content-Type: application/json' -d '{\"model\":\"dummy/good\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
