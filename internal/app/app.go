// Package app assembles the server: storage, key material, lifecycle
// manager, sweeper and the HTTP engine, with graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"personadb/internal/sweep"
	"personadb/pkg/api"
	"personadb/pkg/auth"
	"personadb/pkg/config"
	"personadb/pkg/httpx"
	"personadb/pkg/lifecycle"
	"personadb/pkg/logger"
	"personadb/pkg/security"
	"personadb/pkg/state"
	"personadb/pkg/store"
)

// Options carry resolved startup parameters.
type Options struct {
	Addr    string
	DBPath  string
	Version string
}

// Run starts the server and blocks until ctx is cancelled or a fatal error
// occurs.
func Run(ctx context.Context, cfg *config.Config, opts Options) error {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = cfg.Server.DBPath
	}
	if dbPath == "" {
		return fmt.Errorf("no database path configured")
	}
	if err := state.EnsureStateDirs(dbPath); err != nil {
		return fmt.Errorf("prepare state dirs: %w", err)
	}
	if err := logger.AttachAuditFileSink(filepath.Join(dbPath, "state", "audit")); err != nil {
		logger.Warn("audit_sink_unavailable", "error", err)
	}

	st, err := store.Open(filepath.Join(dbPath, "store"))
	if err != nil {
		return err
	}
	defer st.Close()

	var keyring *security.Keyring
	if cfg.Security.Encryption.Use {
		keyring, err = security.NewKeyring(ctx, cfg)
		if err != nil {
			return fmt.Errorf("configure encryption: %w", err)
		}
		st.SetKeyring(keyring)
		logger.Info("encryption_enabled", "kek", keyring.KEKID())
	}

	sweeper := sweep.New(st, cfg.Sweep)
	if cfg.Sweep.Enabled {
		go sweeper.Run(ctx)
		logger.Info("sweep_started", "cron", cfg.Sweep.Cron, "period", cfg.Sweep.Period.Duration().String())
	}

	srv := &api.Server{
		Store:     st,
		Lifecycle: lifecycle.New(st, keyring, cfg.EditWindow()),
		Sweeper:   sweeper,
		Gateway:   auth.NewGateway(cfg),
		Limiter:   auth.NewLimiterPool(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst),
	}
	handler := srv.Router()

	addr := opts.Addr
	if addr == "" {
		addr = cfg.Addr()
	}

	switch cfg.Server.Engine {
	case "fasthttp":
		return runFastHTTP(ctx, addr, cfg, handler)
	default:
		return runNetHTTP(ctx, addr, cfg, handler)
	}
}

func runNetHTTP(ctx context.Context, addr string, cfg *config.Config, handler http.Handler) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", addr, "engine", "nethttp")
		if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
			errc <- hs.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		errc <- hs.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutCtx); err != nil {
			logger.Warn("http_shutdown_error", "error", err)
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func runFastHTTP(ctx context.Context, addr string, cfg *config.Config, handler http.Handler) error {
	wrapped := fasthttpadaptor.NewFastHTTPHandler(handler)
	health := httpx.FastHTTPAdapter(api.Healthz)
	fs := &fasthttp.Server{
		Handler: func(fctx *fasthttp.RequestCtx) {
			if string(fctx.Path()) == "/healthz" {
				health(fctx)
				return
			}
			wrapped(fctx)
		},
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", addr, "engine", "fasthttp")
		if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
			errc <- fs.ListenAndServeTLS(addr, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		errc <- fs.ListenAndServe(addr)
	}()
	select {
	case <-ctx.Done():
		if err := fs.Shutdown(); err != nil {
			logger.Warn("http_shutdown_error", "error", err)
		}
		return nil
	case err := <-errc:
		return err
	}
}
