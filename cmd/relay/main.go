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

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/subspace/internal/adapters/http"
	"github.com/dkeye/subspace/internal/adapters/rtc"
	sig "github.com/dkeye/subspace/internal/adapters/signal"
	"github.com/dkeye/subspace/internal/adapters/turnserver"
	"github.com/dkeye/subspace/internal/app/orch"
	"github.com/dkeye/subspace/internal/config"
	"github.com/dkeye/subspace/internal/logging"
)

func main() {
	fs := pflag.NewFlagSet("relay", pflag.ExitOnError)
	fs.String("config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("log-level", "info", "log level")
	_ = fs.Parse(os.Args[1:])

	// Console output until the config decides the level.
	logging.Setup("info", true)

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.LogLevel, cfg.Mode != "release")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("relay failed")
	}
	log.Info().Msg("Relay exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	var turn *turnserver.Server
	if cfg.Relay.TURN.Enabled {
		var err error
		turn, err = turnserver.Start(turnserver.Config{
			Port:         cfg.Relay.TURN.Port,
			Realm:        cfg.Relay.TURN.Realm,
			PublicIP:     cfg.Relay.TURN.PublicIP,
			SharedSecret: cfg.Relay.TURN.SharedSecret,
		})
		if err != nil {
			return fmt.Errorf("start turn: %w", err)
		}
		defer turn.Close()
	}

	api, err := rtc.NewAPI(rtc.Options{VerboseLogs: cfg.LogLevel == "trace"})
	if err != nil {
		return err
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:   orch.New(),
		Limits: sig.NewRateLimiter(cfg.Relay.SignalRate, cfg.Relay.SignalBurst),
		TURN:   turn,
		API:    api,
	})
	addr := fmt.Sprintf(":%d", cfg.Relay.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Bool("turn", turn != nil).Msg("Subspace relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}
