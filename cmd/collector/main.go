package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/sirupsen/logrus"

	"crypto-data-collector/internal/analysis"
	"crypto-data-collector/internal/api"
	"crypto-data-collector/internal/collector"
	"crypto-data-collector/internal/config"
	"crypto-data-collector/internal/logging"
	"crypto-data-collector/internal/market"
	"crypto-data-collector/internal/metrics"
	"crypto-data-collector/internal/push/dingtalk"
	"crypto-data-collector/internal/scheduler"
	"crypto-data-collector/internal/store"
)

func main() {
	defaultPath := config.DefaultPath
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		defaultPath = v
	}
	configPath := flag.String("config", defaultPath, "path to the YAML config file")
	flag.Parse()

	if err := config.LoadEnvFile(".env"); err != nil {
		logrus.Fatalf("env error: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logrus.Fatalf("logging error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var caCert []byte
	if path := cfg.Store.Elasticsearch.CACertFile; path != "" {
		if caCert, err = os.ReadFile(path); err != nil {
			logger.Fatalf("elasticsearch ca cert: %v", err)
		}
	}

	backend, err := store.Open(ctx, store.Options{
		Backend: cfg.Store.Backend,
		Elastic: store.ElasticConfig{
			Addresses: cfg.Store.Elasticsearch.Addresses,
			Username:  cfg.Store.Elasticsearch.Username,
			Password:  cfg.Store.Elasticsearch.Password,
			CACert:    caCert,
			Refresh:   cfg.Store.Elasticsearch.Refresh,
		},
		SQLitePath:  cfg.Store.Sqlite.Path,
		PostgresDSN: cfg.Store.Postgres.DSN,
	})
	if err != nil {
		logger.Fatalf("store error: %v", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.WithError(err).Warn("store close error")
		}
	}()

	cmc := market.NewCoinMarketCapClient(cfg.Provider.APIKey,
		market.WithBaseURL(cfg.Provider.BaseURL),
		market.WithHTTPClient(&http.Client{Timeout: cfg.Provider.Timeout()}),
	)
	writer := store.NewIndexWriter(backend, cfg.Store.Index, logger)
	pipeline := collector.New(cmc, market.NewTransformer(nil), writer, logger)
	analyzer := analysis.New(backend, cfg.Store.Index)

	recorder := metrics.NewRecorder(metrics.PushConfig{
		URL:      cfg.Metrics.PushgatewayURL,
		Job:      cfg.Metrics.Job,
		User:     cfg.Metrics.User,
		Password: cfg.Metrics.Password,
	}, logger)
	observers := []scheduler.Observer{recorder}

	var dt *dingtalk.Client
	if cfg.Push.Dingtalk.Webhook != "" {
		dt = dingtalk.NewClient(
			cfg.Push.Dingtalk.Webhook,
			cfg.Push.Dingtalk.Secret,
			time.Duration(cfg.Push.Dingtalk.TimeoutMs)*time.Millisecond,
		)
		observers = append(observers, dingtalk.NewNotifier(dt, dingtalk.NotifierConfig{
			OnlyFailures: cfg.Push.Dingtalk.OnlyFailures,
			MinInterval:  time.Duration(cfg.Push.Dingtalk.MinIntervalSec) * time.Second,
		}, logger))
	}

	driver := scheduler.New(scheduler.Config{
		Interval:     cfg.Scheduler.Interval(),
		CycleTimeout: cfg.Scheduler.CycleTimeout(),
		Symbol:       cfg.Analysis.Symbol,
		Window:       cfg.Analysis.Window(),
	}, pipeline, analyzer, logger, observers...)

	var h *server.Hertz
	if cfg.Server.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		h = server.Default(server.WithHostPorts(addr), server.WithDisablePrintRoute(true))
		deps := api.Deps{
			Analyzer:      analyzer,
			Cycles:        driver,
			Metrics:       recorder.Registry(),
			DefaultSymbol: cfg.Analysis.Symbol,
			DefaultWindow: cfg.Analysis.Window(),
			CycleContext:  ctx,
			Log:           logger,
		}
		if dt != nil {
			deps.Push = dt
		}
		api.RegisterRoutes(h, deps)
		go func() {
			logger.Infof("server starting on %s", addr)
			if err := h.Run(); err != nil {
				logger.WithError(err).Error("server run error")
			}
		}()
	}

	if err := driver.Start(ctx); err != nil {
		logger.Fatalf("scheduler error: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"backend":  backend.Name(),
		"index":    cfg.Store.Index,
		"interval": cfg.Scheduler.Interval(),
	}).Info("collector started")

	<-ctx.Done()
	logger.Info("shutting down")
	if h != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("server shutdown error")
		}
	}
	driver.Stop()
}
