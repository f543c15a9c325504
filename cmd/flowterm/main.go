package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/user/flowterm/internal/api"
	"github.com/user/flowterm/internal/bridge"
	"github.com/user/flowterm/internal/config"
	"github.com/user/flowterm/internal/db"
	"github.com/user/flowterm/internal/hub"
	"github.com/user/flowterm/internal/profile"
	"github.com/user/flowterm/internal/server"
	"github.com/user/flowterm/internal/tab"
	"github.com/user/flowterm/internal/xcallback"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("flowterm stopped", "error", err)
		closeLog()
		os.Exit(1)
	}
}

// newLogger writes text to a terminal and JSON otherwise. In local mode
// the terminal belongs to the tab, so logs go to a file beside the
// database.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Local {
		path := filepath.Join(filepath.Dir(cfg.DBPath), "flowterm.log")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, err
		}
		return slog.New(slog.NewJSONHandler(f, opts)), func() { _ = f.Close() }, nil
	}

	var out io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(out, opts)), func() {}, nil
	}
	return slog.New(slog.NewJSONHandler(out, opts)), func() {}, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	if n, err := db.NewSessionRepo(store.SQL()).MarkInterrupted(ctx); err != nil {
		logger.Warn("failed to mark interrupted sessions", "error", err)
	} else if n > 0 {
		logger.Info("marked sessions from previous run as killed", "count", n)
	}

	profiles, err := profile.NewRegistry(cfg.ProfilesDir)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	var tokens bridge.TokenSource
	if cfg.BridgeToken != "" {
		tokens = bridge.StaticToken(cfg.BridgeToken)
	}
	worker := bridge.NewHTTPWorker(bridge.HTTPConfig{
		BaseURL:    cfg.BridgeURL,
		RetryCount: 2,
		Tokens:     tokens,
	})
	opener := xcallback.NewOpener(2, 10*time.Second, logger)

	tabs, err := tab.NewManager(tab.Config{
		Profiles:       profiles,
		Store:          store,
		Worker:         worker,
		Hook:           opener.Hook,
		DefaultProfile: cfg.DefaultProfile,
		KillGrace:      cfg.KillGrace,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.KillGrace+2*time.Second)
		defer cancel()
		tabs.Shutdown(shutdownCtx)
	}()

	h := hub.New(hub.NewController(tabs), hub.Options{Token: cfg.Token, Logger: logger})
	tabs.SetSink(h)
	go h.Run(ctx)

	xcb := xcallback.NewHandler(dispatcher(tabs), xcallback.Config{
		Enabled: cfg.XCallbackEnabled,
		Key:     cfg.XCallbackKey,
		Policy:  xcallback.Policy{Enabled: cfg.XCallbackPolicy},
		Opener:  opener,
		Logger:  logger,
	})

	srv, err := server.New(fmt.Sprintf("0.0.0.0:%d", cfg.Port), server.Handlers{
		WebSocket: h.HandleWebSocket,
		API:       api.NewRouter(store.SQL(), tabs, profiles, cfg.Token),
		XCallback: xcb,
	})
	if err != nil {
		return err
	}

	if !cfg.Local {
		fmt.Printf("\nflowterm running at http://localhost:%d\n", cfg.Port)
		if cfg.PrintToken {
			fmt.Printf("token: %s\n", cfg.Token)
		}
		if cfg.XCallbackEnabled {
			fmt.Printf("x-callback: flowterm://run?key=<XCallbackKey from %s>&cmd=...\n", cfg.ConfigPath)
		}
		fmt.Println()
		return srv.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	localErr := runLocal(ctx, tabs, logger)
	stop()
	if err := <-errCh; err != nil {
		return err
	}
	return localErr
}

func dispatcher(tabs *tab.Manager) xcallback.DispatchFunc {
	return func(ctx context.Context, text string, callback *url.URL) (string, error) {
		t, err := tabs.Dispatch(ctx, text, callback)
		if err != nil {
			return "", err
		}
		return t.ID(), nil
	}
}
