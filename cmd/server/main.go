// Package main starts the qgate server. It exposes a Claude Messages
// compatible streaming endpoint backed by Amazon Q developer accounts,
// plus a small management API for the account pool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/qgate-proxy/qgate/internal/api"
	"github.com/qgate-proxy/qgate/internal/auth"
	"github.com/qgate-proxy/qgate/internal/auth/codewhisperer"
	"github.com/qgate-proxy/qgate/internal/config"
	"github.com/qgate-proxy/qgate/internal/executor"
	"github.com/qgate-proxy/qgate/internal/logging"
	"github.com/qgate-proxy/qgate/internal/metrics"
	"github.com/qgate-proxy/qgate/internal/registry"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// refreshSweepInterval controls how often tokens nearing expiry are
// refreshed ahead of demand, so requests rarely pay the refresh latency.
const refreshSweepInterval = 5 * time.Minute

func main() {
	_ = godotenv.Load()

	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "Path to the YAML config file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("qgate %s (%s, built %s)\n", Version, Commit, BuildDate)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging, cfg.Debug)
	metrics.Register()

	store := registry.NewStore(cfg.AccountFile)
	accounts, err := registry.New(store)
	if err != nil {
		log.Fatalf("failed to load account file %s: %v", cfg.AccountFile, err)
	}
	stopWatch := make(chan struct{})
	if err := store.Watch(stopWatch, func(accs []registry.Account) {
		accounts.Replace(accs)
		log.Infof("account file reloaded, %d account(s)", len(accs))
	}); err != nil {
		log.Warnf("account file watcher disabled: %v", err)
	}

	tokens := auth.NewManager(
		codewhisperer.NewClient(cfg.Upstream.TokenEndpoint, nil),
		accounts,
		auth.NewTokenCache(cfg.TokenCacheFile),
	)

	exec := executor.New(cfg, accounts, tokens)
	server := api.New(cfg, accounts, tokens, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go refreshSweep(ctx, accounts, tokens)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("qgate %s listening on %s:%d", Version, cfg.Host, cfg.Port)
		errCh <- server.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("server error: %v", err)
		}
	}

	close(stopWatch)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		} else {
			return config.DefaultConfig(), nil
		}
	}
	return config.LoadConfig(path)
}

// refreshSweep keeps cached access tokens warm. Failures are logged and
// retried on the next tick; a broken account never blocks the sweep.
func refreshSweep(ctx context.Context, accounts *registry.Registry, tokens *auth.Manager) {
	ticker := time.NewTicker(refreshSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, acc := range accounts.Snapshot() {
			if !tokens.NeedsRefresh(acc.ID) {
				continue
			}
			if _, err := tokens.AccessToken(ctx, acc); err != nil {
				log.Warnf("background refresh failed for account %s: %v", acc.ID, err)
			}
		}
	}
}
