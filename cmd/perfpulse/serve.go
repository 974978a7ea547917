package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/gin-gonic/gin"
	"github.com/qiniu/perfpulse/internal/config"
	"github.com/qiniu/perfpulse/internal/middleware"
	"github.com/qiniu/perfpulse/internal/pipeline"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion, alerting and query server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	closer := setupLogging(&cfg.Logging)
	defer closer.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Starting perfpulse server")
	srv, err := pipeline.NewPipelineServer(ctx, cfg)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		_ = srv.Close(context.Background())
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := fox.New()
	router.Use(middleware.Recovery)
	router.Use(middleware.RequestLogger)
	router.Use(middleware.Authentication(cfg.Server.APIToken))
	if err := srv.UseApi(router); err != nil {
		_ = srv.Close(context.Background())
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.BindAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	timeout, perr := model.ParseDuration(cfg.Server.ShutdownTimeout)
	if perr != nil {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.Error().Err(serr).Msg("http shutdown failed")
	}
	if cerr := srv.Close(shutdownCtx); cerr != nil {
		log.Error().Err(cerr).Msg("pipeline shutdown incomplete")
	}
	log.Info().Msg("perfpulse server exit...")
	return err
}
