package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breathai-tgbot-go/internal/config"
	"github.com/breathai-tgbot-go/internal/dispatcher"
	"github.com/breathai-tgbot-go/internal/handlers"
	"github.com/breathai-tgbot-go/internal/i18n"
	"github.com/breathai-tgbot-go/internal/middleware"
	"github.com/breathai-tgbot-go/internal/services/ai"
	"github.com/breathai-tgbot-go/internal/services/conversation"
	"github.com/breathai-tgbot-go/internal/services/storage"
	"github.com/breathai-tgbot-go/internal/services/telegram"
	"github.com/breathai-tgbot-go/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		// It's okay if .env doesn't exist
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Bot exited with error")
	}
	log.Info("Bot stopped")
}

func run(cfg *config.Config, log *logrus.Logger) error {
	log.Info("Starting Telegram Bot...")
	log.WithField("token_length", len(cfg.Bot.Token)).Info("Bot token loaded")

	bot, err := telegram.NewClient(&cfg.Bot, log)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	log.WithField("username", bot.UserName()).Info("Bot authorized")

	metrics := middleware.NewMetrics()

	storageManager, err := storage.NewManager(cfg, metrics, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer storageManager.Close()

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		return fmt.Errorf("failed to initialize i18n: %w", err)
	}

	store := conversation.NewStore(
		middleware.NewRateLimiter(cfg),
		conversation.WithMaxMessages(cfg.Context.MaxMessages),
	)
	aiService := ai.NewClient(&cfg.Backend, log)

	relay := handlers.NewStreamRelay(cfg, aiService, bot, store, localizer, metrics, log)
	commandHandler := handlers.NewCommandHandler(bot, store, storageManager, localizer, metrics, log)
	messageHandler := handlers.NewMessageHandler(cfg, bot, store, relay, storageManager, localizer, metrics, log)
	router := handlers.NewRouter(commandHandler, messageHandler, bot, localizer, metrics, log)

	// Workers outlive the poll loop so in-flight exchanges can finish
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	pool := dispatcher.NewWorkerPool(cfg.Bot.Workers, cfg.Bot.QueueSize, metrics, log)
	pool.Start(workCtx)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.New(&cfg.Bot, bot, router, pool, metrics, log).Run(gctx)
	})

	if cfg.Monitoring.Metrics.Enabled {
		g.Go(func() error {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")
			if err := middleware.StartMetricsServer(gctx, cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		startPeriodicTasks(gctx, store, metrics)
		return nil
	})

	err = g.Wait()
	log.Info("Shutdown signal received, draining workers")

	drained := make(chan struct{})
	go func() {
		pool.Stop()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(cfg.Bot.ShutdownTimeout):
		log.WithField("timeout", cfg.Bot.ShutdownTimeout).Warn("Workers did not finish in time, cancelling")
		cancelWork()
		<-drained
	}

	return err
}

// startPeriodicTasks refreshes gauges that are not driven by events
func startPeriodicTasks(ctx context.Context, store *conversation.Store, metrics *middleware.Metrics) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetActiveUsers(float64(store.ActiveUsers()))
		}
	}
}
