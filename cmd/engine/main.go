// The engine binary. One process serves the webhook and admin surface,
// campaigns for leadership, and runs the monitor, queue promotion and risk
// loops when it wins. Followers keep serving HTTP and take over the loops
// on the next election.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"dca_engine/internal/admin"
	"dca_engine/internal/alert"
	"dca_engine/internal/bootstrap"
	"dca_engine/internal/config"
	"dca_engine/internal/coordination"
	"dca_engine/internal/exchange"
	"dca_engine/internal/exchange/binance"
	"dca_engine/internal/execution"
	"dca_engine/internal/infrastructure/health"
	"dca_engine/internal/infrastructure/metrics"
	"dca_engine/internal/leader"
	"dca_engine/internal/monitor"
	"dca_engine/internal/order"
	"dca_engine/internal/position"
	"dca_engine/internal/queue"
	"dca_engine/internal/risk"
	"dca_engine/internal/router"
	"dca_engine/internal/server"
	"dca_engine/internal/storage"
	"dca_engine/pkg/logging"
	"dca_engine/pkg/telemetry"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	// .env is a development convenience; absent in deployments.
	_ = godotenv.Load()
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	// 1. Configuration, then the logger at the configured level.
	logger, _ := logging.NewZapLogger("INFO")

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration", "file", *configFile, "error", err)
	}
	if leveled, err := logging.NewZapLogger(cfg.App.LogLevel); err == nil {
		logger = leveled
	}

	instanceID := cfg.App.InstanceID
	if instanceID == "" {
		if host, err := os.Hostname(); err == nil {
			instanceID = host
		} else {
			instanceID = uuid.NewString()
		}
	}

	logger.Info("Starting DCA engine",
		"instance_id", instanceID,
		"environment", cfg.App.Environment,
		"port", cfg.Server.Port)

	// 2. Telemetry providers (traces, Prometheus metrics, logs).
	tel, err := telemetry.Setup("dca-engine")
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}

	// 3. Postgres and the Redis coordination layer.
	store, err := storage.New(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", "error", err)
	}

	ctx := context.Background()
	rdb, err := coordination.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", "error", err)
	}
	cache := coordination.NewCache(rdb)
	locker := coordination.NewLocker(rdb)
	pulse := coordination.NewHeartbeat(rdb)
	precision := coordination.NewPrecisionCache(cache, logger)
	tickers := coordination.NewTickerCache(cache, logger)
	configs := coordination.NewCachedConfigStore(store.Configs, cache, logger)

	// 4. Exchange connectors, order submission and the slot pool.
	provider := exchange.NewProvider(store.Users, cfg.Exchanges, logger)
	orders := order.NewService(store.Groups, provider, cfg.Exchanges, logger)
	slots := execution.NewPool(logger)

	// 5. Notification channels.
	alerts := alert.NewManager(logger)
	if cfg.Alerts.Telegram.Enabled {
		alerts.AddChannel(alert.NewTelegramChannel(
			string(cfg.Alerts.Telegram.BotToken), cfg.Alerts.Telegram.ChatID))
	}
	if cfg.Alerts.Slack.Enabled {
		alerts.AddChannel(alert.NewSlackChannel(string(cfg.Alerts.Slack.WebhookURL)))
	}

	// 6. Position lifecycle and the pre-trade gate.
	creator := position.NewCreator(store.Groups, orders, provider, precision, alerts, logger)
	closer := position.NewCloser(store.Groups, orders, slots, alerts, logger)
	pretrade := risk.NewChecker(store.Groups, configs, logger)

	// 7. Leader election. A fresh leader realigns the slot pool with what
	// the database says is actually open before any loop can promote.
	rehydrate := func(ctx context.Context) {
		userIDs, err := store.Groups.ListUsersWithActiveGroups(ctx)
		if err != nil {
			logger.Error("Slot rehydration failed", "error", err)
			return
		}
		counts := make(map[uuid.UUID]int, len(userIDs))
		for _, userID := range userIDs {
			active, err := store.Groups.ListActiveGroupsByUser(ctx, userID)
			if err != nil {
				logger.Error("Slot rehydration failed for user",
					"user_id", userID,
					"error", err)
				continue
			}
			counts[userID] = len(active)
		}
		slots.Rehydrate(counts)
		logger.Info("Slot pool rehydrated", "users", len(counts))
	}
	elector := leader.NewElector(locker, alerts, logger, instanceID,
		cfg.Leader.LockKey,
		time.Duration(cfg.Leader.TTL)*time.Second,
		time.Duration(cfg.Leader.Renew)*time.Second,
		rehydrate)

	// 8. The three loops. All follow the leader flag; followers idle.
	queueMgr := queue.NewManager(store.Queue, store.Groups, configs, slots,
		pretrade, creator, provider, tickers, pulse, logger,
		time.Duration(cfg.Queue.PromotionInterval)*time.Second, elector.IsLeader)

	riskSchedule := ""
	if cfg.Risk.Interval > 0 {
		riskSchedule = fmt.Sprintf("@every %ds", cfg.Risk.Interval)
	}
	riskEngine := risk.NewEngine(store.Groups, configs, store.Queue,
		store.RiskActions, orders, provider, tickers, precision, closer,
		alerts, pulse, logger, riskSchedule, elector.IsLeader)

	mon := monitor.NewMonitor(store.Groups, configs, orders, provider,
		tickers, precision, closer, riskEngine, pulse, logger,
		cfg.Monitor.UserConcurrency,
		time.Duration(cfg.Monitor.Interval)*time.Second, elector.IsLeader)

	// 9. Signal routing, the admin surface and health.
	signals := router.NewRouter(configs, store.Groups, provider, precision,
		slots, pretrade, creator, closer, queueMgr, locker, logger)
	adminSvc := admin.NewService(store.Groups, closer, riskEngine, queueMgr, logger)

	monitors := health.NewManager(logger)
	monitors.RegisterHeartbeat("order_monitor", pulse)
	monitors.RegisterHeartbeat("queue_promoter", pulse)
	monitors.RegisterHeartbeat("risk_engine", pulse)
	monitors.Register("postgres", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return store.DB().PingContext(pingCtx)
	})
	monitors.Register("redis", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	})

	srv := server.NewServer(cfg.Server, signals, adminSvc, monitors, elector.IsLeader, logger)
	srv.UpdateStatus("instance_id", instanceID)
	srv.UpdateStatus("environment", cfg.App.Environment)

	// 10. Assemble and run.
	app := bootstrap.New(logger)
	app.Add(elector)
	app.Add(mon)
	app.Add(queueMgr)
	app.Add(riskEngine)
	app.Add(srv)
	if venue, ok := cfg.Exchanges["binance"]; ok {
		// Market data is public; the feed connector carries no credentials.
		feed := binance.New("", "", venue.BaseURL, logger)
		app.Add(binance.NewTickerStream(feed, tickers, venue.WSURL, logger))
	}
	if cfg.Telemetry.MetricsPort > 0 {
		app.Add(metrics.NewServer(cfg.Telemetry.MetricsPort, logger))
	}

	app.OnShutdown(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	})
	app.OnShutdown(func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("Redis close failed", "error", err)
		}
	})
	app.OnShutdown(func() {
		if err := store.Close(); err != nil {
			logger.Warn("Postgres close failed", "error", err)
		}
	})
	app.OnShutdown(alerts.Stop)

	if err := app.Run(ctx); err != nil {
		logger.Fatal("Engine exited with error", "error", err)
	}
}
