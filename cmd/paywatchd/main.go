package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vitwit/paywatch"
	"github.com/vitwit/paywatch/initiator"
	"github.com/vitwit/paywatch/logger"
	"github.com/vitwit/paywatch/metrics"
	"github.com/vitwit/paywatch/pricecache"
	"github.com/vitwit/paywatch/server"
	"github.com/vitwit/paywatch/types"
	"github.com/vitwit/paywatch/watcher"
)

type settings struct {
	Addr           string
	EthWSURL       string
	InitiatorURL   string
	PriceURL       string
	Assets         []string
	PaymentTimeout time.Duration
	PriceRefresh   time.Duration
	LogLevel       string
	EnableMetrics  bool
}

func loadSettings() settings {
	return settings{
		Addr:           envOr("PAYWATCH_ADDR", ":8080"),
		EthWSURL:       envOr("PAYWATCH_ETH_WS_URL", "ws://localhost:8546"),
		InitiatorURL:   envOr("PAYWATCH_INITIATOR_URL", "http://localhost:9000/execute"),
		PriceURL:       envOr("PAYWATCH_PRICE_URL", "https://api.coingecko.com/api/v3/simple/price"),
		Assets:         strings.Split(envOr("PAYWATCH_ASSETS", "ethereum"), ","),
		PaymentTimeout: envDurationOr("PAYWATCH_PAYMENT_TIMEOUT", paywatch.DefaultPaymentTimeout),
		PriceRefresh:   envDurationOr("PAYWATCH_PRICE_REFRESH", pricecache.DefaultRefreshInterval),
		LogLevel:       envOr("PAYWATCH_LOG_LEVEL", "info"),
		EnableMetrics:  envOr("PAYWATCH_ENABLE_METRICS", "true") == "true",
	}
}

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envDurationOr(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func main() {
	cfg := loadSettings()

	log := logger.NewZapLogger(cfg.LogLevel)

	var rec metrics.Recorder = metrics.NoopRecorder{}
	if cfg.EnableMetrics {
		rec = metrics.NewPrometheusRecorder()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed, err := watcher.NewEthereumFeed(ctx, cfg.EthWSURL, log)
	if err != nil {
		log.Error("failed to connect to transaction feed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer feed.Close()

	svc := paywatch.New(
		feed,
		initiator.NewHTTPInitiator(cfg.InitiatorURL, cfg.PaymentTimeout),
		&types.Config{
			PaymentTimeout:       cfg.PaymentTimeout,
			PriceRefreshInterval: cfg.PriceRefresh,
			Assets:               cfg.Assets,
			LogLevel:             cfg.LogLevel,
			EnableMetrics:        cfg.EnableMetrics,
		},
		paywatch.WithLogger(log),
		paywatch.WithMetrics(rec),
		paywatch.WithPriceSource(pricecache.NewHTTPSource(cfg.PriceURL, "usd")),
	)
	defer svc.Close()

	if err := svc.Initialize(ctx); err != nil {
		log.Error("failed to initialize price cache", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	srv := server.New(svc, log, cfg.EnableMetrics)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(cfg.Addr)
	}()

	log.Info("paywatch listening", map[string]any{"addr": cfg.Addr})

	select {
	case <-ctx.Done():
		log.Info("shutting down", nil)
	case err := <-errCh:
		log.Error("server stopped", map[string]any{"error": err.Error()})
	}
}
