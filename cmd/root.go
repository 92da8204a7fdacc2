package cmd

import (
	"context"
	"fmt"
	"strings"
)

const rootUsage = `openui-router routes OpenAI-style chat completions to hosted and local models.

Usage:
  openui-router <command> [flags]

Commands:
  serve    Start the HTTP server
  usage    Show a user's token usage
  prune    Delete old usage rows
  token    Issue a session token for API clients

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "usage":
		return usageCmd(ctx, args[1:])
	case "prune":
		return prune(ctx, args[1:])
	case "token":
		return token(ctx, args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], rootUsage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(rootUsage))
	return nil
}
