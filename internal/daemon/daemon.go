// Package daemon wires the config, store, registry, and wsrelay layers into
// a running termd process and owns its HTTP listener and signal handling.
//
// Grounded in the teacher's cmd/wtd/main.go + internal/daemon.Run split:
// Run() builds the long-lived collaborators in dependency order (§2's
// leaves-first table), keeps them in local variables, and blocks until a
// signal or a fatal listener error.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wingterm/termd/internal/actortoken"
	"github.com/wingterm/termd/internal/api"
	"github.com/wingterm/termd/internal/clock"
	"github.com/wingterm/termd/internal/config"
	"github.com/wingterm/termd/internal/logger"
	"github.com/wingterm/termd/internal/registry"
	"github.com/wingterm/termd/internal/store"
	"github.com/wingterm/termd/internal/wsrelay"
)

// Daemon groups the long-lived collaborators that Run builds. Run does not
// construct or return one, and nothing in the module fills one in.
type Daemon struct {
	Config   *config.Config
	Store    *store.Store
	Registry *registry.Registry
}

// Run builds every component in dependency order, starts the HTTP listener,
// and blocks until SIGINT/SIGTERM or a fatal listener error.
func Run(cfg *config.Config) error {
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Log

	if err := os.MkdirAll(cfg.SessionsDir, 0755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	st, err := store.Open(cfg.IndexDBPath)
	if err != nil {
		return fmt.Errorf("open index store: %w", err)
	}
	defer func() {
		if err := st.Checkpoint(); err != nil {
			log.Warn("wal checkpoint on shutdown failed", "error", err)
		}
		st.Close()
	}()

	clk := clock.Real{}
	reg := registry.New(cfg, clk, log, st, cfg.SessionsDir)

	var verifier *actortoken.Verifier
	if cfg.JWTPublicKey != "" {
		pub, err := actortoken.ParsePublicKey(cfg.JWTPublicKey)
		if err != nil {
			return fmt.Errorf("parse actor token public key: %w", err)
		}
		verifier = actortoken.NewVerifier(pub)
	}

	relay := wsrelay.NewServer(reg, log)
	reg.SetBroadcaster(relay)

	mux := http.NewServeMux()
	mux.Handle("/ws", relay)
	api.Register(mux, reg, verifier, log)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Info("termd listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}
