package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/classchat/internal/adapters/http"
	"github.com/dkeye/classchat/internal/adapters/ws"
	"github.com/dkeye/classchat/internal/app"
	"github.com/dkeye/classchat/internal/app/orch"
	"github.com/dkeye/classchat/internal/config"
	"github.com/dkeye/classchat/internal/domain"
	"github.com/dkeye/classchat/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	self, err := domain.NewUser(fallback(cfg.UserID, "anonymous"), cfg.DisplayName)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid local identity")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	o := orch.New(orch.Options{
		Dialer:   ws.NewDialer(cfg.Transport()),
		Self:     self,
		Manager:  cfg.Manager(),
		Pipeline: cfg.Pipeline(),
		Router:   cfg.Router(),
		Metrics:  telemetry.NewMetrics(reg),
	})
	o.OnStateChange(func(ch app.StateChange) {
		ev := log.Info().Str("module", "main").Stringer("from", ch.From).Stringer("to", ch.To)
		if ch.Err != nil {
			ev = ev.Err(ch.Err)
		}
		ev.Msg("connection state")
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(cfg, o, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("classchat panel started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("panel: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if cfg.Credential == "" {
			log.Warn().Str("module", "main").Msg("no credential configured, staying offline")
			return nil
		}
		if err := o.Connect(gctx, cfg.Credential); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		o.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
	log.Info().Msg("exited gracefully")
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
