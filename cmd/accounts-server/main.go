// Command accounts-server serves the account management API and dashboards.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wispberry-tech/wispy-accounts/accounts"
	"github.com/wispberry-tech/wispy-accounts/accounts/storage"
	"github.com/wispberry-tech/wispy-accounts/config"
)

// limiterIdle is how long a client's login bucket is kept after its last attempt.
const limiterIdle = 15 * time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.NewLogger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DBDriver, cfg.DBDSN, cfg.ConnectOptions())
	if err != nil {
		return err
	}

	service, err := accounts.NewAccountService(accounts.Config{
		Storage:        store,
		SecurityConfig: cfg.SecurityConfig(),
		OAuthProviders: cfg.OAuthProviders(),
	})
	if err != nil {
		store.Close()
		return err
	}
	defer service.Close()

	go maintain(ctx, service, cfg.SessionPruneEvery)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(service, store, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "addr", cfg.Addr, "driver", cfg.DBDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// maintain prunes idle sessions and login limiter buckets until ctx is done.
func maintain(ctx context.Context, service *accounts.AccountService, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := service.PruneExpiredSessions(ctx); err != nil {
				slog.Warn("Session pruning failed", "error", err)
			}
			if n := service.PruneLoginLimiter(limiterIdle); n > 0 {
				slog.Debug("Pruned login limiter", "clients", n)
			}
		}
	}
}
