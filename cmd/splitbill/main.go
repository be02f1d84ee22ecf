// Package main запускает сервис разделения счетов: HTTP API и Telegram-бота.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/splitbill/internal/action"
	"github.com/mmeshcher/splitbill/internal/config"
	"github.com/mmeshcher/splitbill/internal/events"
	"github.com/mmeshcher/splitbill/internal/handler"
	"github.com/mmeshcher/splitbill/internal/middleware"
	"github.com/mmeshcher/splitbill/internal/ratelimit"
	"github.com/mmeshcher/splitbill/internal/receipt"
	"github.com/mmeshcher/splitbill/internal/repository"
	"github.com/mmeshcher/splitbill/internal/service"
	"github.com/mmeshcher/splitbill/internal/telegram"
)

const sweepInterval = time.Minute

type limiter interface {
	ratelimit.Limiter
	io.Closer
}

type localLimiter struct {
	*ratelimit.LocalLimiter
}

func (localLimiter) Close() error { return nil }

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	repo, err := newRepository(cfg)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	publisher := newPublisher(cfg, sugar)
	defer publisher.Close()

	svc := service.NewService(repo, publisher, logger)
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	lim, err := newLimiter(ctx, cfg, g)
	if err != nil {
		sugar.Fatalw("rate limiter initialization error", "error", err.Error())
	}
	defer lim.Close()

	router := action.NewRouter(svc, lim, cfg.ActionCooldown, logger)

	opts := handler.Options{
		PublicBaseURL: cfg.PublicBaseURL,
		Receipts:      receipt.NewClient(cfg.ReceiptServiceAddress),
		WebhookSecret: cfg.TelegramWebhookSecret,
	}

	if cfg.TelegramToken != "" {
		api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			sugar.Fatalw("telegram initialization error", "error", err.Error())
		}
		opts.BotUsername = api.Self.UserName

		bot := telegram.NewBot(api, api.Self.UserName, svc, router, logger)

		if cfg.TelegramWebhookSecret != "" {
			wh, err := tgbotapi.NewWebhook(cfg.PublicBaseURL + "/telegram/" + cfg.TelegramWebhookSecret)
			if err != nil {
				sugar.Fatalw("telegram webhook error", "error", err.Error())
			}
			if _, err := api.Request(wh); err != nil {
				sugar.Fatalw("telegram webhook registration error", "error", err.Error())
			}
			opts.Webhook = bot
			sugar.Infow("telegram bot in webhook mode", "username", api.Self.UserName)
		} else {
			if _, err := api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
				sugar.Warnw("telegram delete webhook error", "error", err.Error())
			}

			u := tgbotapi.NewUpdate(0)
			u.Timeout = 60
			updates := api.GetUpdatesChan(u)

			g.Go(func() error {
				return bot.Run(ctx, updates)
			})
			g.Go(func() error {
				<-ctx.Done()
				api.StopReceivingUpdates()
				return nil
			})
			sugar.Infow("telegram bot in long polling mode", "username", api.Self.UserName)
		}
	}

	authMiddleware := middleware.NewInitDataAuth(cfg.TelegramToken, middleware.DefaultInitDataMaxAge)
	h := handler.NewHandler(svc, logger, authMiddleware, opts)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting splitbill server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func newRepository(cfg *config.Config) (service.Repository, error) {
	if cfg.DatabaseURI == "" {
		return repository.NewMemoryRepository(cfg.TxMaxRetries), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI, cfg.TxMaxRetries)
}

func newPublisher(cfg *config.Config, sugar *zap.SugaredLogger) interface {
	service.Publisher
	io.Closer
} {
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return events.NopPublisher{}
	}
	sugar.Infow("publishing bill events", "brokers", brokers, "topic", cfg.KafkaTopic)
	return events.NewKafkaPublisher(brokers, cfg.KafkaTopic)
}

// newLimiter выбирает Redis, если он настроен, иначе ограничитель в памяти процесса
// с фоновой очисткой просроченных ключей.
func newLimiter(ctx context.Context, cfg *config.Config, g *errgroup.Group) (limiter, error) {
	if cfg.RedisAddress != "" {
		l := ratelimit.NewRedisLimiter(redis.NewClient(&redis.Options{Addr: cfg.RedisAddress}))

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := l.Ping(pingCtx); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return l, nil
	}

	l := ratelimit.NewLocalLimiter(0)
	g.Go(func() error {
		return l.Run(ctx, sweepInterval)
	})
	return localLimiter{l}, nil
}
