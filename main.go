package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution-core/internal/api"
	"execution-core/internal/copytrade"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/health"
	"execution-core/internal/lock"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/persistence"
	"execution-core/internal/platform"
	"execution-core/internal/risk"
	"execution-core/internal/strategy"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/i18n"
	"execution-core/pkg/instance"
)

const (
	shutdownTimeout   = 15 * time.Second
	housekeepInterval = 30 * time.Second
	offsetTTL         = time.Minute
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%s: %v", i18n.Get("ConfigLoadFailed"), err)
	}

	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))
	log.Printf("%s: %s", i18n.Get("InstanceID"), instance.ID())
	log.Printf("%s (port %s)", i18n.Get("ConfigLoaded"), cfg.Port)
	log.Printf("%s: %s", i18n.Get("UsingDBPath"), cfg.DBPath)
	if cfg.DemoMode {
		log.Println(i18n.Get("DemoMode"))
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	(&monitor.Monitor{Bus: bus, Sink: monitor.LogSink{}}).Start(ctx)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("%s: %v", i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("%s: %v", i18n.Get("DBMigrationsFailed"), err)
	}

	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("%s: %v", i18n.Get("KeyManagerFailed"), err)
	}

	// Exchange adapters share one server-time offset cache.
	factory := gateway.NewFactory(gateway.FactoryConfig{
		Timeout:    cfg.ExchangeTimeout,
		RecvWindow: cfg.RecvWindowMs,
		Offsets:    common.NewOffsetCache(offsetTTL),
	})
	gateways := gateway.NewManager(database, keys, factory, gateway.DefaultConfig())
	gateways.Start(ctx)
	defer gateways.Stop()

	kill := platform.NewKillSwitch(database, bus, metrics)
	gate := risk.NewGate(database, risk.LimitsFromConfig(cfg))
	locker := lock.New(database, lock.WithHolder(instance.ID()))

	orderCfg := order.DefaultConfig()
	orderCfg.DemoMode = cfg.DemoMode
	orderCfg.VerifyAfterPlace = cfg.VerifyAfterPlace
	orders := order.NewService(database, orderCfg, bus, metrics)

	// Strategy events are batched into SQLite.
	eventWriter := persistence.NewBatchWriter(database, 100, 2*time.Second)
	defer func() {
		if err := eventWriter.Close(); err != nil {
			log.Printf("event writer close: %v", err)
		}
	}()

	engineCfg := strategy.DefaultEngineConfig()
	engineCfg.AllowedSymbols = cfg.AllowedSymbols
	engine := strategy.NewEngine(engineCfg, orders, metrics)
	runner := strategy.NewRunner(strategy.RunnerConfig{
		LockTTL:     cfg.StrategyLockTTL,
		Cooldown:    cfg.RunCooldown,
		Concurrency: cfg.SchedulerConcurrency,
	}, strategy.RunnerDeps{
		Store:    database,
		Locker:   locker,
		Risk:     gate,
		Adapters: gateways,
		Kill:     kill,
		Engine:   engine,
		Sink:     eventWriter,
		Bus:      bus,
		Metrics:  metrics,
	})
	seedStrategies(ctx, database, cfg.StrategiesFile)

	if cfg.SchedulerInterval > 0 {
		runner.StartScheduler(ctx, cfg.SchedulerInterval)
		log.Printf("%s (every %s)", i18n.Get("SchedulerStarted"), cfg.SchedulerInterval)
	} else {
		log.Println(i18n.Get("SchedulerDisabled"))
	}

	copier := copytrade.New(database, gateways, orders, kill, gate, cfg.CopyWorkers, bus, metrics)

	go housekeep(ctx, metrics, gateways, gate)

	// API
	server := api.NewServer(api.Deps{
		DB:       database,
		Bus:      bus,
		Metrics:  metrics,
		Gate:     gate,
		Kill:     kill,
		Runner:   runner,
		Copier:   copier,
		Orders:   orders,
		Adapters: gateways,
		Keys:     keys,
		Auth: api.AuthConfig{
			JWTSecret:    cfg.JWTSecret,
			PasswordHash: cfg.OperatorPasswordHash,
		},
		Meta: api.SystemMeta{
			Version:    buildVersion,
			InstanceID: instance.ID(),
			DemoMode:   cfg.DemoMode,
			StartedAt:  time.Now(),
		},
	})
	server.StartJanitor(ctx, 5*time.Minute)
	httpServer := server.HTTPServer(":" + cfg.Port)
	go func() {
		log.Printf("%s :%s", i18n.Get("ServerListening"), cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("%s: %v", i18n.Get("APIServerError"), err)
		}
	}()

	healthSrv := health.NewServer()
	if addr, err := healthSrv.Listen(":" + cfg.GRPCPort); err != nil {
		log.Printf("health: %v", err)
	} else {
		log.Printf("%s %s", i18n.Get("GRPCListening"), addr)
		go func() {
			if err := healthSrv.Serve(); err != nil {
				log.Printf("health: serve: %v", err)
			}
		}()
	}
	healthSrv.SetServing(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println(i18n.Get("ShuttingDown"))

	healthSrv.SetServing(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	healthSrv.Stop(shutdownCtx)
	cancel()
}

// seedStrategies upserts strategy runs from the YAML file when it exists.
func seedStrategies(ctx context.Context, database *db.Database, path string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return
	}
	configs, err := strategy.LoadConfig(path)
	if err != nil {
		log.Printf("%s: %v", i18n.Get("StrategySeedFailed"), err)
		return
	}
	if err := strategy.SyncConfigToDB(ctx, database, configs); err != nil {
		log.Printf("%s: %v", i18n.Get("StrategySeedFailed"), err)
		return
	}
	log.Printf("%s: %d (%s)", i18n.Get("StrategiesSeeded"), len(configs), path)
}

// housekeep refreshes pool gauges and trims idle per-user risk mutexes.
func housekeep(ctx context.Context, metrics *monitor.Metrics, gateways *gateway.Manager, gate *risk.Gate) {
	ticker := time.NewTicker(housekeepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gate.CleanupIdle(10 * time.Minute)
			metrics.System.SetGatewayPoolStats(gateways.Stats())
			metrics.System.SetRiskUsers(gate.ActiveUsers())
		}
	}
}
