package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/austindbirch/inbox_hooks/internal/queue"
	"github.com/austindbirch/inbox_hooks/internal/scheduler"
	"github.com/austindbirch/inbox_hooks/internal/tracing"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the scheduled sweep and the NSQ consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			shutdownTracing, err := tracing.Init(ctx, tracing.Options{
				ServiceName: cfg.App.Name,
				Endpoint:    cfg.Tracing.Endpoint,
				SampleRatio: cfg.Tracing.SampleRatio,
			})
			if err != nil {
				log.Plain().WithError(err).Fatal("failed to initialize tracing")
			}
			defer shutdownTracing()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			users, err := a.users()
			if err != nil {
				return err
			}
			srv := a.server(users, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
			httpSrv := &http.Server{
				Addr:         cfg.HTTP.Addr,
				Handler:      srv.Handler(),
				ReadTimeout:  cfg.HTTP.ReadTimeout,
				WriteTimeout: cfg.HTTP.WriteTimeout,
			}
			serveErr := make(chan error, 1)
			go func() {
				log.Plain().WithField("addr", httpSrv.Addr).Info("HTTP server starting")
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			var sched *scheduler.Scheduler
			if cfg.Sweep.Enabled {
				sched, err = scheduler.New(cfg.Sweep.Schedule, a.reconciler, cfg.Sweep.BatchSize, cfg.Sweep.RunTimeout, log)
				if err != nil {
					return err
				}
				sched.Start()
				log.Plain().WithField("schedule", cfg.Sweep.Schedule).Info("delivery sweep scheduled")
			}

			var consumer *queue.Consumer
			if cfg.NSQ.Enabled {
				consumer, err = queue.StartConsumer(queue.ConsumerConfig{
					Topic:          cfg.NSQ.EventsTopic,
					Channel:        cfg.NSQ.Channel,
					NsqdTCPAddr:    cfg.NSQ.NsqdTCPAddr,
					LookupHTTPAddr: cfg.NSQ.LookupHTTPAddr,
					MaxInFlight:    cfg.NSQ.MaxInFlight,
					Concurrency:    cfg.NSQ.Concurrency,
				}, queue.NewHandler(a.dispatcher, log))
				if err != nil {
					return err
				}
				log.Plain().WithField("topic", cfg.NSQ.EventsTopic).Info("consuming message events")
			}

			log.Plain().Info("inbox hooks service started")
			select {
			case <-ctx.Done():
			case err = <-serveErr:
				log.Plain().WithError(err).Error("HTTP server failed")
			}

			log.Plain().Info("shutting down inbox hooks service")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if consumer != nil {
				consumer.Stop()
			}
			if sched != nil {
				select {
				case <-sched.Stop().Done():
				case <-shutdownCtx.Done():
					log.Plain().Warn("sweep still running at shutdown")
				}
			}
			_ = httpSrv.Shutdown(shutdownCtx)
			_ = log.Sync()
			log.Plain().Info("inbox hooks service stopped")
			return err
		},
	}
}
