package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"openui-router/internal/config"
	"openui-router/internal/session"
	"openui-router/internal/usage"
)

const usageUsage = `Usage:
  openui-router usage --user <id> [--since <YYYY-MM-DD>] [--config <path>]

Prints the tokens a user consumed since the given day (default: yesterday).`

const pruneUsage = `Usage:
  openui-router prune --before <YYYY-MM-DD> [--config <path>]

Deletes usage rows older than the given day.`

const tokenUsage = `Usage:
  openui-router token [--user <id>] [--name <username>] [--config <path>]

Issues a session token for API clients. A new user id is generated when --user is omitted.`

func usageCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, usageUsage)
	}

	var cfgPath, userID, since string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&userID, "user", "", "user id")
	fs.StringVar(&since, "since", "", "first day to include")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse usage flags: %w", err)
	}
	if userID == "" {
		return errors.New("usage command requires --user <id>")
	}

	from := time.Now().Add(-24 * time.Hour)
	if since != "" {
		parsed, err := usage.ParseDay(since)
		if err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
		from = parsed
	}

	store, err := openStore(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer store.Close()

	total, err := store.SumSince(ctx, userID, from)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%d\n", userID, usage.Day(from), total)
	return nil
}

func prune(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, pruneUsage)
	}

	var cfgPath, before string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&before, "before", "", "delete rows for days before this one")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse prune flags: %w", err)
	}
	if before == "" {
		return errors.New("prune command requires --before <YYYY-MM-DD>")
	}
	cutoff, err := usage.ParseDay(before)
	if err != nil {
		return fmt.Errorf("parse --before: %w", err)
	}

	store, err := openStore(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d usage rows before %s\n", removed, usage.Day(cutoff))
	return nil
}

func token(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, tokenUsage)
	}

	var cfgPath, userID, name string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&userID, "user", "", "user id")
	fs.StringVar(&name, "name", "", "username recorded in the token")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse token flags: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.EnsureSessionKey(&cfg, config.DefaultEnvPath()); err != nil {
		return err
	}
	sessions, err := session.NewManager(cfg.SessionKey, session.DefaultLifetime)
	if err != nil {
		return err
	}

	if userID == "" {
		userID = uuid.NewString()
	}
	signed, _, err := sessions.Issue(userID, name)
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}

func openStore(ctx context.Context, cfgPath string) (*usage.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return usage.Open(ctx, cfg.Database)
}
