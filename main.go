// go_vidbot: pay-per-view video search bot served over MCP.
//
// A chat client drives the flow through the vidbot_* MCP tools: search the
// source site, page through results, preview an item, then watch (stream
// link) or download (file) against the user's prepaid balance. An admin
// HTTP API manages balances and exposes history and stats.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anatolykoptev/go-kit/env"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not load .env file", slog.Any("error", err))
	}
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "go_vidbot",
		Short: "Pay-per-view video search bot (MCP server)",
		Long: `go_vidbot searches a video site, lists results five per page and
lets users watch or download items against a prepaid balance.

Examples:
  go_vidbot                   # same as "serve"
  go_vidbot serve
  go_vidbot search "cats" --json`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), loadConfig())
		},
	}
	root.AddCommand(newServeCmd(), newSearchCmd())
	return root
}

func setupLogging() {
	opts := &slog.HandlerOptions{Level: parseLevel(env.Str("LOG_LEVEL", "info"))}
	var h slog.Handler
	if env.Str("LOG_FORMAT", "text") == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
