package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anatolykoptev/go-mcpserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/anatolykoptev/go_vidbot/internal/adminapi"
	"github.com/anatolykoptev/go_vidbot/internal/botserver"
	"github.com/anatolykoptev/go_vidbot/internal/delivery"
	"github.com/anatolykoptev/go_vidbot/internal/engine"
	"github.com/anatolykoptev/go_vidbot/internal/engine/extract"
	"github.com/anatolykoptev/go_vidbot/internal/engine/resolve"
	"github.com/anatolykoptev/go_vidbot/internal/ledger"
	"github.com/anatolykoptev/go_vidbot/internal/session"
	"github.com/anatolykoptev/go_vidbot/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server, the admin API and the download janitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), loadConfig())
		},
	}
}

func runServe(ctx context.Context, cfg appConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	profile, err := cfg.siteProfile()
	if err != nil {
		return err
	}

	fetcher, err := cfg.textFetcher()
	if err != nil {
		return err
	}
	cache := engine.NewCache(cfg.RedisURL, cfg.CacheTTL, cfg.CacheMaxEntries, cfg.CacheCleanup)
	defer cache.Close()

	searcher := extract.NewSearcher(fetcher, extract.New(profile), cache, profile)
	resolver, err := resolve.New(fetcher, profile)
	if err != nil {
		return err
	}
	downloader, err := engine.NewDownloader(cfg.Engine)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	outbox, err := botserver.NewOutbox(cfg.OutboxDir)
	if err != nil {
		return err
	}

	accounts := ledger.New(st)
	svc := delivery.New(cfg.Delivery, delivery.Deps{
		Searcher:  searcher,
		Resolver:  resolver,
		Ledger:    accounts,
		Recorder:  st,
		Files:     downloader,
		Deliverer: outbox,
		Sessions:  session.NewStore(cfg.PageSize),
	})

	for _, dir := range []string{downloader.Dir(), outbox.Dir()} {
		j := engine.NewJanitor(dir, cfg.DownloadMaxAge)
		if err := j.Start(cfg.JanitorSpec); err != nil {
			return err
		}
		defer j.Stop()
	}

	if cfg.AdminAddr != "" {
		admin := &http.Server{
			Addr: cfg.AdminAddr,
			Handler: adminapi.NewRouter(adminapi.Config{
				Token:   cfg.AdminToken,
				Metrics: engine.FormatMetrics,
			}, accounts, st),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("admin api listening", slog.String("addr", cfg.AdminAddr), slog.Bool("auth", cfg.AdminToken != ""))
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin api failed", slog.Any("error", err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(sctx)
		}()
	}

	slog.Info("starting go_vidbot",
		slog.String("port", cfg.MCPPort),
		slog.String("site", profile.BaseURL),
		slog.String("store", cfg.Store.Driver),
		slog.String("hold_policy", string(cfg.Delivery.HoldPolicy)),
	)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "go_vidbot",
		Version: version,
	}, nil)
	n := botserver.RegisterTools(server, svc, outbox)
	slog.Info("tools registered", slog.Int("count", n))

	if err := mcpserver.Run(server, mcpserver.Config{
		Name:         "go_vidbot",
		Version:      version,
		Port:         cfg.MCPPort,
		WriteTimeout: 300 * time.Second,
		Metrics:      engine.FormatMetrics,
	}); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
