package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/billrelay/internal/config"
	"github.com/ent0n29/billrelay/internal/extract"
	"github.com/ent0n29/billrelay/internal/filestore"
	"github.com/ent0n29/billrelay/internal/httpapi"
	"github.com/ent0n29/billrelay/internal/logging"
	"github.com/ent0n29/billrelay/internal/observability"
	"github.com/ent0n29/billrelay/internal/qr"
	"github.com/ent0n29/billrelay/internal/relay"
	"github.com/ent0n29/billrelay/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	logger := logging.New(logging.Options{App: "billrelay", Level: cfg.LogLevel, Format: cfg.LogFormat})

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	meta, err := filestore.NewMetadataStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("file metadata store init failed")
	}
	store, err := filestore.New(cfg.UploadDir, meta, cfg.UploadMaxBytes)
	if err != nil {
		logger.Fatal().Err(err).Msg("file store init failed")
	}
	defer store.Close()

	extractor, err := extract.New(extract.Config{Mode: cfg.ExtractMode, HTTPURL: cfg.ExtractURL}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("extractor init failed")
	}

	encoder, err := qr.NewEncoder(cfg.CompanionURL, 0)
	if err != nil {
		logger.Fatal().Err(err).Msg("qr encoder init failed")
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})
	sessions.SetPurgeHook(func(s *session.Session) {
		// Files are stored under the id the uploader addressed, which may be an alias.
		for _, id := range append([]string{s.ID}, s.Aliases...) {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := store.DeleteSession(cleanupCtx, id)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Str("session_id", id).Msg("session file cleanup failed")
				continue
			}
			if n > 0 {
				logger.Info().Str("session_id", id).Int("files", n).Msg("session files removed")
			}
		}
	})

	hub := relay.NewHub(sessions, metrics, logger, httpapi.CheckOrigin(cfg.AllowAnyOrigin))
	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:  sessions,
		Relay:     hub,
		Store:     store,
		Extractor: extractor,
		QR:        encoder,
		Metrics:   metrics,
		Log:       logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info().
			Str("addr", cfg.BindAddr).
			Str("public_base_url", cfg.PublicBaseURL).
			Str("extract_mode", cfg.ExtractMode).
			Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info().Msg("shutdown complete")
}
