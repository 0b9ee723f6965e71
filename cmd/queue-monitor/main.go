// Command queue-monitor exports NSQ backlog for the webhook fan-out topic
// and the dead-letter topic as Prometheus gauges.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/inbox_hooks/internal/config"
	"github.com/austindbirch/inbox_hooks/internal/logging"
	"github.com/austindbirch/inbox_hooks/internal/queue"
)

func main() {
	cfgFile := flag.String("config", "", "YAML config file")
	addr := flag.String("addr", ":8084", "metrics listen address")
	interval := flag.Duration("interval", 15*time.Second, "nsqd stats poll interval")
	flag.Parse()

	log := logging.New("queue-monitor")
	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Plain().WithError(err).Fatal("failed to load config")
	}
	logging.SetLevel(cfg.App.LogLevel)

	mon := queue.NewBacklogMonitor(nil, cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.EventsTopic, cfg.NSQ.Channel, cfg.NSQ.DLQTopic, log)
	reg := prometheus.NewRegistry()
	mon.MustRegister(reg)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go mon.Run(ctx, *interval)
	go func() {
		log.Plain().WithFields(map[string]any{
			"addr":     srv.Addr,
			"nsqd":     cfg.NSQ.NsqdHTTPAddr,
			"interval": interval.String(),
		}).Info("queue-monitor listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Plain().WithError(err).Fatal("queue-monitor failed")
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
