package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/runrelay/runrelay/internal/api"
	"github.com/runrelay/runrelay/internal/config"
	"github.com/runrelay/runrelay/internal/engine"
	"github.com/runrelay/runrelay/internal/notify"
	"github.com/runrelay/runrelay/internal/provider"
	"github.com/runrelay/runrelay/internal/store"
)

// purgeInterval is how often expired rows are swept. Expiry is enforced
// lazily on every read; the sweep only reclaims disk space.
const purgeInterval = 10 * time.Minute

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("runrelay: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"provider_url", cfg.ProviderURL,
		"execution_ttl", cfg.ExecutionTTL.String(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath, cfg.ExecutionTTL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	stopPurge := startPurgeLoop(db, logger)
	defer stopPurge()

	client := provider.NewClient(cfg.ProviderURL, cfg.ProviderAPIKey, logger)
	hub := notify.NewHub(db, logger)
	eng := engine.NewEngine(db, client, hub, logger)

	srv := api.NewServer(cfg.ListenAddr, db, eng, hub, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// startPurgeLoop sweeps expired executions and connection markers in the
// background until the returned stop function is called.
func startPurgeLoop(s store.Store, logger *slog.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := s.PurgeExpired(context.Background())
				if err != nil {
					logger.Warn("purge expired", "error", err)
					continue
				}
				if n > 0 {
					logger.Info("purged expired rows", "count", n)
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
