package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chatdesk/internal/httpapi"
	"chatdesk/internal/queue"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat API and, when BOT_TOKEN is set, the Telegram bot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		withWorker, _ := cmd.Flags().GetBool("with-worker")
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return runServe(ctx, a, withWorker)
	},
}

func runServe(ctx context.Context, a *app, withWorker bool) error {
	cfg := a.cfg
	limiter := queue.NewRateLimiter(a.rdb, cfg.Rate.Limit, queue.WithWindow(cfg.Rate.Window))

	api := httpapi.New(httpapi.Config{
		Chat:           a.chat,
		Uploads:        a.uploads,
		Limiter:        limiter,
		UserHeader:     cfg.HTTP.UserHeader,
		HealthPath:     cfg.HTTP.HealthPath,
		MetricsPath:    cfg.HTTP.MetricsPath,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         log.Logger,
		Metrics:        a.metrics,
	})
	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())

	bot, err := startTelegram(a, limiter, mux)
	if err != nil {
		return err
	}
	defer bot.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server started")
		return listen(srv)
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(srv)
	})
	if withWorker {
		w := a.worker()
		g.Go(func() error {
			log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
			if err := w.Start(gctx, cfg.Worker.Concurrency); err != nil && gctx.Err() == nil {
				return fmt.Errorf("worker failed: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msg("stopped")
	return err
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume project generation jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, _ := cmd.Flags().GetString("metrics-addr")
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if addr == "" {
			addr = cfg.HTTP.ListenAddr
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		mux := http.NewServeMux()
		mux.HandleFunc("GET "+cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.Handle("GET "+cfg.HTTP.MetricsPath, promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		w := a.worker()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return listen(srv) })
		g.Go(func() error {
			<-gctx.Done()
			return shutdown(srv)
		})
		g.Go(func() error {
			log.Info().Int("concurrency", cfg.Worker.Concurrency).Str("consumer", cfg.Worker.ConsumerName).Msg("worker started")
			if err := w.Start(gctx, cfg.Worker.Concurrency); err != nil && gctx.Err() == nil {
				return fmt.Errorf("worker failed: %w", err)
			}
			return nil
		})

		err = g.Wait()
		log.Info().Msg("stopped")
		return err
	},
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func shutdown(srv *http.Server) error {
	log.Info().Msg("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	return nil
}
