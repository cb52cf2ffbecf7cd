package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/ai/llm"
	"upbit-trading-bot/internal/api"
	"upbit-trading-bot/internal/bot"
	"upbit-trading-bot/internal/cache"
	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/executor"
	"upbit-trading-bot/internal/lifecycle"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/notification"
	"upbit-trading-bot/internal/optimizer"
	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/regime"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/settings"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/suspend"
	"upbit-trading-bot/internal/upbit"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)
	location := cfg.Location()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Storage.
	db, err := database.NewDB(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	repo := database.NewRepo(db)

	store := settings.NewStore(repo)
	if err := store.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("settings warm failed")
	}

	cacheCfg := cache.Config{}
	if cfg.Redis.Enabled {
		cacheCfg = cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
	}
	positionCache := cache.NewPositionCache(ctx, cacheCfg)
	defer positionCache.Close()

	// Exchange and market data.
	var client upbit.Client
	if cfg.Trading.DryRun && cfg.Upbit.AccessKey == "" {
		log.Warn().Msg("no exchange credentials, running against the mock client")
		client = upbit.NewMockClient()
	} else {
		client = upbit.NewRESTClient(cfg.Upbit.AccessKey, cfg.Upbit.SecretKey, cfg.Upbit.BaseURL)
	}

	breaker := circuit.NewBreaker(ctx, store)
	adapter := market.NewAdapter(client, breaker)

	// Notifications.
	notifier := notification.NewManager(
		notification.NewTelegram(notification.TelegramConfig{
			BotToken: cfg.Notification.Telegram.BotToken,
			ChatID:   cfg.Notification.Telegram.ChatID,
			Enabled:  cfg.Notification.Enabled && cfg.Notification.Telegram.Enabled,
		}),
		notification.NewDiscord(notification.DiscordConfig{
			WebhookURL: cfg.Notification.Discord.WebhookURL,
			Enabled:    cfg.Notification.Enabled && cfg.Notification.Discord.Enabled,
		}),
	)

	// Trading core.
	gate := risk.NewGate(store, breaker, adapter, repo, notifier, location)
	recorder := lifecycle.NewRecorder(repo, location)
	exec := executor.New(client, gate, recorder, breaker, adapter, repo, cfg.Trading.DryRun)

	selector := strategy.NewSelector(
		strategy.NewBreakoutEngine(),
		strategy.NewDCAEngine(store),
		strategy.NewGridEngine(store),
		strategy.NewVolatilitySurvivalEngine(),
	)

	trader := bot.New(
		cfg.Trading.Markets, cfg.Trading.StrategyInterval,
		adapter, store, selector, exec, repo, positionCache,
		breaker, notifier, location, cfg.Trading.DryRun,
	)

	manager := position.NewManager(repo, positionCache, exec, adapter, breaker, store, notifier, trader)

	watcher := suspend.NewWatcher(
		cfg.Trading.Markets, adapter, store,
		func(ctx context.Context) regime.Detector { return trader.Detector(ctx) },
		notifier, cfg.Trading.SuspendInterval,
	)

	opt := optimizer.New(repo, store, llm.NewClient(llm.Config{
		Provider: llm.Provider(cfg.AI.Provider),
		APIKey:   cfg.AI.APIKey,
		Model:    cfg.AI.Model,
	}), location)

	server := api.NewServer(api.ServerConfig{
		Port:           cfg.Server.Port,
		ProductionMode: !cfg.Logging.Pretty,
	}, trader, breaker, store, recorder, db)

	// Loops.
	go breaker.RunPersistLoop(ctx)
	go trader.Run(ctx)
	go watcher.Run(ctx)
	if cfg.AI.Enabled {
		go opt.Run(ctx)
	}

	managerDone := make(chan struct{})
	go func() {
		manager.Run(ctx)
		close(managerDone)
	}()

	if err := server.Start(ctx); err != nil {
		log.Error().Err(err).Msg("api server failed")
		cancel()
	}

	// Wait for the position manager to drain in-flight close attempts.
	<-managerDone
	log.Info().Msg("shutdown complete")
	os.Exit(0)
}
