package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"polyflow/config"
	"polyflow/internal/dashboard"
	"polyflow/internal/metrics"
	"polyflow/internal/ratelimit"
	"polyflow/internal/stream"
	"polyflow/logger"
)

const defaultConfigPath = "config/config.yaml"

var envConfigPaths = map[string]string{
	"production": "config/config.production.yaml",
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the configuration file")
	flag.Parse()

	// Missing .env is fine; credentials can come from the real environment.
	_ = godotenv.Load()

	path := config.ResolvePath(*configPath, defaultConfigPath, envConfigPaths)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", path, err)
		os.Exit(1)
	}

	log := logger.GetLogger()
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace)
	}
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel, log)

	log.WithComponent("main").WithFields(logger.Fields{
		"name":        cfg.Polyflow.Name,
		"version":     cfg.Polyflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("polyflow starting")

	governor := ratelimit.NewGovernor(
		categoryLimits(cfg.RateLimit),
		cfg.RateLimit.BackoffBase,
		cfg.RateLimit.BackoffMax,
		log,
	)

	registry := stream.NewRegistry()
	supervisor := stream.NewSupervisor(cfg.Venue, cfg.Stream, registry, log)
	router := stream.NewRouter(registry, log)
	pump := stream.NewPump(supervisor, router, cfg.Stream, log)

	if err := supervisor.Connect(ctx); err != nil {
		log.WithComponent("main").WithError(err).Error("initial connect failed, pump will keep retrying")
	}
	pump.Start(ctx)

	watchConfiguredMarkets(ctx, supervisor, cfg.Stream.WatchMarkets, log)

	logger.StartReport(ctx, log, cfg.Report.Interval)

	wg := &sync.WaitGroup{}
	if server := dashboard.NewServer(cfg.Dashboard, pump, governor, log); server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				log.WithComponent("main").WithError(err).Error("dashboard server exited")
				cancel()
			}
		}()
	}

	<-ctx.Done()
	pump.Stop()
	wg.Wait()
	log.WithComponent("main").Info("polyflow stopped")
}

func categoryLimits(cfg config.RateLimitConfig) map[ratelimit.Category]ratelimit.Limit {
	source := cfg.Categories
	if len(source) == 0 {
		source = config.DefaultCategoryLimits()
	}
	limits := make(map[ratelimit.Category]ratelimit.Limit, len(source))
	for name, limit := range source {
		limits[ratelimit.Category(name)] = ratelimit.Limit{
			MaxTokens:  limit.MaxTokens,
			RefillRate: limit.RefillRate,
			Window:     limit.Window,
		}
	}
	return limits
}

// watchConfiguredMarkets creates the startup subscriptions. Events for them
// flow through the logging sink until a host attaches richer delivery.
func watchConfiguredMarkets(ctx context.Context, supervisor *stream.Supervisor, markets []string, log *logger.Log) {
	if len(markets) == 0 {
		return
	}

	sink := &logSink{log: log.WithComponent("watch")}
	_, err := supervisor.Subscribe(ctx, stream.SubscribeRequest{
		Type:      stream.EventPriceChange,
		Channel:   stream.ChannelCLOBMarket,
		MarketIDs: markets,
		Mode:      stream.ModeLog,
		Sink:      sink,
	})
	if err != nil {
		log.WithComponent("main").WithError(err).Warn("failed to create watch subscription")
		return
	}
	log.WithComponent("main").WithField("markets", len(markets)).Info("watching configured markets")
}

// logSink delivers subscription events through the structured logger.
type logSink struct {
	log *logger.Entry
}

func (s *logSink) DeliverNotification(_ context.Context, n stream.Notification) error {
	s.log.WithFields(logger.Fields(n)).Info("event")
	return nil
}

func (s *logSink) DeliverLog(_ context.Context, message string) error {
	s.log.Info(message)
	return nil
}

func handleShutdown(cancel context.CancelFunc, log *logger.Log) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	log.WithComponent("main").Info("shutdown requested")
	cancel()
}
