package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"advocate-chat/go-core/internal/composition/client"
	"advocate-chat/go-core/internal/config"
	"advocate-chat/go-core/internal/platform/metrics"
	"advocate-chat/go-core/internal/platform/privacylog"
	"advocate-chat/go-core/internal/securestore"
	"advocate-chat/go-core/pkg/models"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := pflag.Bool("version", false, "print version and exit")
	configPath := pflag.String("config", "", "path to chatcore.yaml (optional)")
	dataDir := pflag.String("data-dir", "", "directory for encrypted state files (optional)")
	transport := pflag.String("transport", "", "feed transport override: go-waku | mock")
	metricsAddr := pflag.String("metrics-addr", "", "listen address for /metrics and /readyz, e.g. 127.0.0.1:9464 (optional)")
	operator := pflag.String("operator", "", "operator identity to log in as (optional)")
	accounts := pflag.StringSlice("accounts", nil, "identities to register on the in-process backend")
	pflag.Parse()
	if *showVersion {
		fmt.Printf("chatcore version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("chatcore: %v", err)
	}
	if *dataDir != "" {
		cfg.Storage.Dir = *dataDir
	}
	if *transport != "" {
		cfg.Feed.Transport = *transport
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if *operator != "" {
		cfg.Session.Operator = *operator
	}

	secret, err := securestore.LoadOrCreateKey(cfg.Storage.Dir, cfg.Storage.Secret,
		cfg.ResolvePath(cfg.Session.JournalPath),
		cfg.ResolvePath(cfg.Blocks.CachePath),
		cfg.ResolvePath(cfg.Groups.CachePath),
	)
	if err != nil {
		log.Fatalf("chatcore: storage key: %v", err)
	}
	cfg.Storage.Secret = secret

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.Log)
	if err := run(ctx, cfg, *accounts, logger); err != nil {
		logger.Error("chatcore failed", "component", "cli", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, accounts []string, logger *slog.Logger) error {
	m := metrics.New()
	c, err := client.New(cfg, client.Options{Logger: logger, Metrics: m})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			logger.Warn("close failed", "component", "cli", "error", err.Error())
		}
	}()

	if c.Network != nil {
		ids, err := models.ParseIdentities(accounts)
		if err != nil {
			return fmt.Errorf("accounts: %w", err)
		}
		c.Network.Register(ids...)
	}

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
			if err := c.Ready(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "component", "cli", "error", err.Error())
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := c.Start(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Session.Operator) != "" {
		id, err := models.ParseIdentity(cfg.Session.Operator)
		if err != nil {
			return fmt.Errorf("operator: %w", err)
		}
		if c.Network != nil {
			c.Network.Register(id)
		}
		if err := c.Login(ctx, id); err != nil {
			return err
		}
	}

	logger.Info("chatcore started", "component", "cli", "version", version, "transport", cfg.Feed.Transport)
	<-ctx.Done()
	logger.Info("chatcore stopping", "component", "cli")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}
	return privacylog.NewLogger(os.Stdout, level)
}
