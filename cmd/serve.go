package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"openui-router/internal/config"
	providerfactory "openui-router/internal/provider/factory"
	"openui-router/internal/router"
	"openui-router/internal/server"
	"openui-router/internal/session"
	"openui-router/internal/usage"
)

const serveUsage = `Usage:
  openui-router serve [--config <path>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	setupLogging(cfg.LogLevel)

	if err := config.EnsureSessionKey(&cfg, config.DefaultEnvPath()); err != nil {
		return err
	}

	store, err := usage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("close usage store", "err", err)
		}
	}()

	clients, local, err := providerfactory.Build(cfg)
	if err != nil {
		return err
	}

	rt := router.New(clients, store, router.Options{
		Environment:  cfg.Environment,
		MaxTokens:    cfg.MaxTokens,
		StreamWait:   cfg.StreamWait,
		VisionModels: cfg.VisionModels,
		Multipliers:  cfg.Multipliers,
	})

	sessions, err := session.NewManager(cfg.SessionKey, session.DefaultLifetime)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, server.Deps{
		Router:   rt,
		Sessions: sessions,
		Usage:    store,
		Tags:     local,
	})
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
