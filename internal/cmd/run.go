// Package cmd wires the dashboard service together: it opens the provider
// store, builds the proxy management client and the engines on top of it,
// and runs the HTTP server until a shutdown signal arrives.
package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/api"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/claim"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/config"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/proxy"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/registry"
	"github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/store"
	enginesync "github.com/itsmylife44/cliproxyapi-dashboard-sub002/internal/sync"
)

const shutdownGrace = 5 * time.Second

// StartService runs the dashboard service until SIGINT or SIGTERM.
func StartService(cfg *config.Config) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Errorf("failed to open provider store: %v", err)
		return
	}
	defer func() {
		if errClose := st.Close(); errClose != nil {
			log.WithError(errClose).Warn("failed to close provider store")
		}
	}()

	client := proxy.NewClient(cfg.Proxy)
	reg := registry.NewModelRegistry(client)
	syncEngine := enginesync.NewEngine(st, client, reg)
	claimEngine := claim.NewEngine(st, client, cfg.OAuth)

	server := api.NewServer(cfg, st, syncEngine, claimEngine, reg)

	ctxSignal, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err = <-errCh:
		if err != nil {
			log.Errorf("dashboard server exited with error: %v", err)
		}
		return
	case <-ctxSignal.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err = server.Stop(shutdownCtx); err != nil {
		log.Errorf("failed to stop dashboard server: %v", err)
	}
}
