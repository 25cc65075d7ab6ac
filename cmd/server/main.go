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

	"github.com/me/taskbroker/internal/broker"
	"github.com/me/taskbroker/internal/config"
	"github.com/me/taskbroker/internal/cost"
	"github.com/me/taskbroker/internal/logging"
	"github.com/me/taskbroker/internal/pricing"
	"github.com/me/taskbroker/internal/provider"
	"github.com/me/taskbroker/internal/scheduler"
	"github.com/me/taskbroker/internal/server"
	"github.com/me/taskbroker/internal/store"
	"github.com/me/taskbroker/internal/telemetry"
	"github.com/me/taskbroker/internal/worker"
	"github.com/me/taskbroker/pkg/model"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	dbDriver := flag.String("db-driver", "", "Store driver: memory, sqlite, pgx")
	dbPath := flag.String("db", "", "SQLite path or Postgres DSN")
	providersFile := flag.String("providers", "", "Providers YAML file")
	direct := flag.Bool("direct", false, "Process items inline instead of through worker pools")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "db-driver":
			cfg.DBDriver = *dbDriver
		case "db":
			cfg.DBPath = *dbPath
		case "providers":
			cfg.ProvidersFile = *providersFile
		case "direct":
			cfg.QueueEnabled = !*direct
		}
	})
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open store and run migrations.
	st, err := store.Open(cfg.DBDriver, cfg.DBPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate store: %v\n", err)
		os.Exit(1)
	}
	logger.Info("store ready", "driver", cfg.DBDriver)

	// Tracing.
	shutdownTracing, err := telemetry.InitTracing(ctx, "taskbroker", telemetry.TracingConfig{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init tracing: %v\n", err)
		os.Exit(1)
	}

	// Telemetry sinks.
	sinks := telemetry.Multi{telemetry.NewLogSink(logger)}
	var mqttSink *telemetry.MQTTSink
	if cfg.MQTT.Broker != "" {
		mqttSink = telemetry.NewMQTTSink(telemetry.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err := mqttSink.Connect(ctx); err != nil {
			logger.Warn("mqtt telemetry disabled", "broker", cfg.MQTT.Broker, "error", err)
			mqttSink = nil
		} else {
			sinks = append(sinks, mqttSink)
		}
	}

	// Provider registry.
	reg := provider.NewRegistry(provider.HealthPolicy{
		DegradeAfter: cfg.Health.DegradeAfter,
		RecoverAfter: cfg.Health.RecoverAfter,
		Cooldown:     cfg.Cooldown(),
	}, cfg.LocalOnlyTaskTypes, logger)

	specs := append([]model.ProviderSpec(nil), cfg.Providers...)
	for _, spec := range cfg.Providers {
		spec.Source = "config"
		if err := reg.Register(spec); err != nil {
			fmt.Fprintf(os.Stderr, "register provider: %v\n", err)
			os.Exit(1)
		}
	}
	if cfg.ProvidersFile != "" {
		fileSpecs, err := config.LoadProviders(cfg.ProvidersFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		if _, _, err := reg.Sync(provider.SourceFile, fileSpecs); err != nil {
			fmt.Fprintf(os.Stderr, "load providers: %v\n", err)
			os.Exit(1)
		}
		specs = append(specs, fileSpecs...)
	}

	pricer := pricing.NewPricer()
	if err := pricer.Check(specs); err != nil {
		fmt.Fprintf(os.Stderr, "pricing: %v\n", err)
		os.Exit(1)
	}

	// Cost tracking.
	costCfg := cost.Config{
		Global:     cost.Limits{Daily: cfg.DailyBudget, Monthly: cfg.MonthlyBudget},
		Owners:     make(map[string]cost.Limits, len(cfg.OwnerBudgets)),
		WarningPct: cfg.BudgetWarningPct,
	}
	for owner, b := range cfg.OwnerBudgets {
		costCfg.Owners[owner] = cost.Limits{Daily: b.Daily, Monthly: b.Monthly}
	}
	tracker := cost.NewTracker(st, costCfg, sinks, logger)
	if err := tracker.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "load cost ledger: %v\n", err)
		os.Exit(1)
	}

	baseDelay, maxDelay := cfg.RateLimitBackoff()
	brk := broker.New(reg, tracker, pricer, sinks, broker.Config{
		Backoff:        broker.BackoffConfig{BaseDelay: baseDelay, MaxDelay: maxDelay},
		DefaultTimeout: broker.DefaultConfig().DefaultTimeout,
	}, logger)

	sup := scheduler.New(st, scheduler.Config{
		StaleTimeout:    cfg.StaleTimeout(),
		ReclaimInterval: cfg.ReclaimInterval(),
		MaxAttempts:     cfg.MaxRetryAttempts,
	}, logger)
	go sup.Start(ctx)

	serverOpts := []server.Option{
		server.WithProviders(reg),
		server.WithBudget(tracker),
	}

	var (
		group  *worker.Group
		inline *worker.Direct
	)
	if cfg.QueueEnabled {
		group = worker.NewGroup(sup, brk, logger,
			worker.Config{Queue: model.QueueInteractive, Workers: cfg.InteractiveWorkers, PollInterval: cfg.InteractivePoll()},
			worker.Config{Queue: model.QueueBackground, Workers: cfg.BackgroundWorkers, PollInterval: cfg.BackgroundPoll()},
		)
		group.Start(ctx)
		serverOpts = append(serverOpts, server.WithWorkers(group.Workers))
	} else {
		inline = worker.NewDirect(ctx, sup, sup, brk, logger)
		inline.Start(cfg.BackgroundPoll())
		serverOpts = append(serverOpts, server.WithSubmitter(inline))
		logger.Info("direct mode: items are processed inline")
	}

	// Provider discovery.
	var disc *provider.Discoverer
	if cfg.ProvidersFile != "" || cfg.Discovery.OllamaURL != "" {
		disc = provider.NewDiscoverer(reg, provider.DiscoveryConfig{
			Interval:      cfg.DiscoveryInterval(),
			ProvidersFile: cfg.ProvidersFile,
			OllamaURL:     cfg.Discovery.OllamaURL,
		}, logger)
		if cfg.Discovery.OllamaURL != "" {
			if err := disc.Tick(ctx); err != nil {
				logger.Warn("initial discovery failed", "error", err)
			}
		}
		if cfg.DiscoveryInterval() > 0 {
			go disc.Start(ctx)
		} else {
			disc = nil
		}
	}

	srv := server.New(cfg, sup, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "queue_enabled", cfg.QueueEnabled)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Refuse new work, then drain.
	sup.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if group != nil {
		group.Stop()
	}
	if inline != nil {
		inline.Stop()
	}
	if disc != nil {
		disc.Stop()
	}
	if err := sup.Stop(); err != nil {
		logger.Error("supervisor stop error", "error", err)
	}
	if mqttSink != nil {
		mqttSink.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
