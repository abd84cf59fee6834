package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"perps-trading-bot/config"
	"perps-trading-bot/internal/api"
	"perps-trading-bot/internal/exchange"
	"perps-trading-bot/internal/journal"
	"perps-trading-bot/internal/logging"
	"perps-trading-bot/internal/market"
	"perps-trading-bot/internal/notification"
	"perps-trading-bot/internal/position"
	"perps-trading-bot/internal/risk"
	"perps-trading-bot/internal/trading"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; deployments normally set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	logger.Info().
		Strs("symbols", cfg.SymbolNames()).
		Str("interval", cfg.Trading.Interval).
		Bool("testnet", cfg.Exchange.Testnet).
		Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := notification.NewManager(logger)
	if cfg.Notification.Enabled {
		notifier.Add(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.Notification.Telegram.BotToken,
			ChatID:   cfg.Notification.Telegram.ChatID,
			Enabled:  cfg.Notification.Telegram.Enabled,
		}))
		notifier.Add(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.Notification.Discord.WebhookURL,
			Enabled:    cfg.Notification.Discord.Enabled,
		}))
	}

	store := position.NewStore(cfg.Storage.PositionsPath, logger)
	restored := store.Load()
	logger.Info().Int("positions", len(restored)).Msg("position store loaded")

	jrnl, err := journal.Open(cfg.Storage.JournalPath, logger)
	if err != nil {
		return fmt.Errorf("open trade journal: %w", err)
	}
	defer jrnl.Close()

	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{
		Enabled:              cfg.Breaker.Enabled,
		MaxDailyLoss:         cfg.Breaker.MaxDailyLoss,
		MaxConsecutiveLosses: cfg.Breaker.MaxConsecutiveLosses,
		StatePath:            cfg.Storage.BreakerStatePath,
	}, logger)

	client := exchange.NewClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.Testnet, logger)
	gateway, err := exchange.NewBinanceGateway(ctx, client, cfg.SymbolNames(), maxSlippage(cfg), logger)
	if err != nil {
		return fmt.Errorf("initialize exchange gateway: %w", err)
	}
	for _, sc := range cfg.Symbols {
		if err := gateway.SetLeverage(ctx, sc.Symbol, sc.Risk.Leverage); err != nil {
			return fmt.Errorf("set leverage for %s: %w", sc.Symbol, err)
		}
	}

	// Align local state with the exchange before any trading decision runs.
	reconciler := trading.NewStartupReconciler(store, gateway, notifier, logger)
	if err := reconciler.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	cache := market.NewPriceCache()
	streamURL := exchange.StreamURL
	if cfg.Exchange.Testnet {
		streamURL = exchange.TestnetStreamURL
	}
	priceStream := market.NewPriceStream(streamURL, cfg.SymbolNames(), cache, logger)

	pipeline := trading.NewEntryPipeline(cfg, store, gateway, cache, breaker, notifier, logger)
	signalStream := market.NewSignalStream(
		streamURL,
		cfg.SymbolNames(),
		cfg.Trading.Interval,
		signalSource(),
		pipeline.HandleSignal,
		logger,
	)

	monitor := trading.NewExitMonitor(cfg, store, gateway, cache, jrnl, notifier, logger)
	breakerLoop := trading.NewBreakerLoop(
		breaker, jrnl, monitor, notifier,
		time.Duration(cfg.Breaker.CheckIntervalSec)*time.Second,
		logger,
	)

	supervisor := trading.NewSupervisor(logger)
	supervisor.Register("price_stream", priceStream.Run)
	supervisor.Register("signal_stream", signalStream.Run)
	supervisor.Register("exit_monitor", monitor.Run)
	supervisor.Register("breaker_loop", breakerLoop.Run)
	if cfg.Server.Enabled {
		server := api.NewServer(cfg.Server.Addr, store, cache, breaker, jrnl, logger)
		supervisor.Register("admin_api", server.Run)
	}

	notifier.PublishStartup(cfg.SymbolNames(), store.Count())

	supervisor.Run(ctx)
	logger.Info().Msg("shutdown complete")
	return nil
}

// maxSlippage returns the widest configured slippage bound. The gateway uses
// it only for the warn-only divergence check when closing a position.
func maxSlippage(cfg *config.Config) float64 {
	var m float64
	for _, s := range cfg.Symbols {
		if s.Risk.MaxSlippagePct > m {
			m = s.Risk.MaxSlippagePct
		}
	}
	return m
}

// signalSource is where a strategy plugs in. The built-in source never
// produces a direction, so entries stay off until a real evaluator is wired
// here; the protective loops (exits, trailing, breaker, reconciliation) run
// regardless.
func signalSource() market.SignalSource {
	return market.SourceFunc(func(_ context.Context, bar market.Bar) (market.Signal, error) {
		return market.Signal{RefPrice: bar.Close, SkipReason: "no strategy configured"}, nil
	})
}
