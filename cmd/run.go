package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perfwatch/alert"
	"perfwatch/collector"
	"perfwatch/config"
	"perfwatch/exporter"
	"perfwatch/logger"
	"perfwatch/monitor"
	"perfwatch/storage"
)

const shutdownTimeout = 10 * time.Second

func RunCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start sampling and serve metrics and reports",
		Long: `Start the sampling loop with the collectors listed in the config file.

Serves /metrics (Prometheus), /report (JSON summary) and /alerts (JSON,
?since=1h) on listen_addr. Threshold changes in the config file are applied
without a restart; changes to any other key are logged and need a restart.
Stops on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML config file (default ./configs/config.yaml)")
	return cmd
}

func run(ctx context.Context, cfgPath string) (err error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	lg, err := logger.New(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return fmt.Errorf("cannot build logger: %w", err)
	}
	log := lg.Logger
	defer func() { err = multierr.Append(err, logger.Flush(log)) }()

	opts, err := monitor.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	mon, err := monitor.New(opts, log)
	if err != nil {
		return err
	}

	var closers []io.Closer
	mon.AddHandler(alert.LogHandler(log.Named("alerts")))
	counter := exporter.NewAlertCounter()
	mon.AddHandler(counter)
	if cfg.DBPath != "" {
		journal, err := storage.NewJournal(cfg.DBPath, log.Named("journal"))
		if err != nil {
			return err
		}
		mon.AddHandler(journal)
		closers = append(closers, journal)
	}

	if err := registerCollectors(mon, cfg, log); err != nil {
		return multierr.Append(err, mon.Close(closers...))
	}

	if cfgPath != "" {
		_, err := config.Watch(cfgPath, log, func(next *config.Config) {
			if err := mon.SetThresholds(next.Thresholds); err != nil {
				log.Error("cannot apply thresholds", zap.Error(err))
			}
		})
		if err != nil {
			return multierr.Append(err, mon.Close(closers...))
		}
	}

	reg := exporter.NewRegistry(exporter.New(mon.Reporter(), log.Named("exporter")), counter)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           routes(mon, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := mon.Start(cfg.Interval); err != nil {
		return multierr.Append(err, mon.Close(closers...))
	}
	log.Info("perfwatch running",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Duration("interval", cfg.Interval),
		zap.Strings("collectors", mon.Collectors()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	return multierr.Append(err, mon.Close(closers...))
}

func registerCollectors(mon *monitor.Monitor, cfg *config.Config, log *zap.Logger) error {
	for _, p := range cfg.Collectors.Prometheus {
		c := collector.NewPrometheusCollector(p.URL, p.Queries, log.Named(p.Name))
		if _, err := mon.RegisterCollector(p.Name, c); err != nil {
			return fmt.Errorf("register %q: %w", p.Name, err)
		}
	}
	for _, m := range cfg.Collectors.ModelAPI {
		c := collector.NewModelAPICollector(m.URL, log.Named(m.Name))
		if _, err := mon.RegisterCollector(m.Name, c); err != nil {
			return fmt.Errorf("register %q: %w", m.Name, err)
		}
	}
	for _, h := range cfg.Collectors.Host {
		c := collector.NewHostCollector(h.DiskPath, log.Named(h.Name))
		if _, err := mon.RegisterCollector(h.Name, c); err != nil {
			return fmt.Errorf("register %q: %w", h.Name, err)
		}
	}
	return nil
}

func routes(mon *monitor.Monitor, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /report", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mon.Reporter().Summary())
	})
	mux.HandleFunc("GET /alerts", func(w http.ResponseWriter, r *http.Request) {
		since := time.Hour
		if s := r.URL.Query().Get("since"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d < 0 {
				http.Error(w, "invalid since duration", http.StatusBadRequest)
				return
			}
			since = d
		}
		writeJSON(w, mon.Reporter().RecentAlerts(since))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

