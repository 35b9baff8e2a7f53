package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/selimgur/whatsflow/internal/broker/rabbitmq"
	redisCache "github.com/selimgur/whatsflow/internal/cache/redis"
	"github.com/selimgur/whatsflow/internal/domain"
	httpHandler "github.com/selimgur/whatsflow/internal/handler/http"
	"github.com/selimgur/whatsflow/internal/persistant/postgresql"
	"github.com/selimgur/whatsflow/internal/provider"
	"github.com/selimgur/whatsflow/internal/ratelimit"
	"github.com/selimgur/whatsflow/internal/realtime"
	conversationRepo "github.com/selimgur/whatsflow/internal/repository/conversation"
	failedRepo "github.com/selimgur/whatsflow/internal/repository/failedmessage"
	messageRepo "github.com/selimgur/whatsflow/internal/repository/message"
	"github.com/selimgur/whatsflow/internal/service"
	"github.com/selimgur/whatsflow/internal/window"
)

var (
	configFile = flag.String("config", "config.json", "config file path")
)

func main() {
	// create root context
	appCtx, appCtxCancel := context.WithCancel(context.Background())
	defer appCtxCancel()

	// listen for terminate signal
	notifyCtx, stop := signal.NotifyContext(appCtx, syscall.SIGTERM)
	defer stop()

	// parse flags
	flag.Parse()

	// parse config
	config, err := ReadConfigJson(*configFile)
	if err != nil {
		log.Fatalf("failed to read config file: %v", err)
	}

	// setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// initialize external dependencies
	db, rCache, broker, err := initExternalDependencies(notifyCtx, config, logger)
	if err != nil {
		log.Fatalf("failed to initialize external dependencies: %v", err)
	}

	// init repositories
	convRepo := conversationRepo.NewConversationRepository(db)
	msgRepo := messageRepo.NewMessageRepository(db)
	failRepo := failedRepo.NewFailedMessageRepository(db)

	// init provider client
	providerClient, err := provider.NewClient(
		config.ProviderBaseUrl,
		config.ProviderToken,
		config.PhoneNumberId,
		logger.With(slog.String("component", "providerClient")),
	)
	if err != nil {
		log.Fatalf("failed to initiate provider client: %v", err)
	}

	// init realtime hub
	hub := realtime.NewHub(convRepo, logger.With(slog.String("component", "realtimeHub")))

	// init conversation window store
	windowStore := window.NewStore(rCache, convRepo, logger.With(slog.String("component", "windowStore")))

	// init per-destination rate limiter
	limiter := ratelimit.NewFixedWindowLimiter(rCache, config.RateLimitMax, config.RateLimitWindow)

	// init failure manager
	failures := service.NewFailureManager(
		failRepo,
		broker,
		hub,
		logger.With(slog.String("component", "failureManager")),
		config.MsgMaxRetry,
		config.RetryBaseDelay,
		config.RetryMaxDelay,
	)

	// init status reconciler
	reconciler := service.NewReconciler(
		msgRepo,
		failures,
		hub,
		logger.With(slog.String("component", "reconciler")),
	)

	// init webhook normalizer
	normalizer, err := service.NewNormalizer(
		convRepo,
		msgRepo,
		windowStore,
		reconciler,
		providerClient,
		hub,
		logger.With(slog.String("component", "normalizer")),
	)
	if err != nil {
		log.Fatalf("failed to initiate normalizer: %v", err)
	}

	// init outbound dispatcher
	dispatcher := service.NewDispatcher(
		broker,
		providerClient,
		convRepo,
		msgRepo,
		windowStore,
		limiter,
		failures,
		hub,
		logger.With(slog.String("component", "dispatcher")),
		config.PhoneNumberId,
		config.SendBatchSize,
		config.SendBatchWait,
	)

	// init http handler
	handler := httpHandler.NewHttpHandler(
		fmt.Sprintf(":%d", config.HttpPort),
		normalizer,
		dispatcher,
		failures,
		providerClient,
		msgRepo,
		failRepo,
		hub,
		config.WebhookSecret,
		config.WebhookVerifyToken,
		logger.With(slog.String("component", "httpHandler")),
	)

	wg := sync.WaitGroup{}

	// run send workers
	for range config.WorkerCount {
		deliveries, err := broker.Consume(config.AmqpWorkQueue(), config.Prefetch)
		if err != nil {
			log.Fatalf("failed to start send worker: %v", err)
		}
		wg.Go(func() {
			dispatcher.Run(notifyCtx, deliveries)
			// a worker only returns on shutdown or a dead consumer
			// channel; cancel app context either way
			appCtxCancel()
		})
	}

	// run dead letter consumer
	deadDeliveries, err := broker.Consume(config.AmqpDeadQueue(), 1)
	if err != nil {
		log.Fatalf("failed to start dead letter consumer: %v", err)
	}
	wg.Go(func() {
		failures.ConsumeDead(notifyCtx, deadDeliveries)
		appCtxCancel()
	})

	// run conversation expiry sweeper
	wg.Go(func() {
		sweepExpiredConversations(notifyCtx, convRepo, config.SweepInterval, logger)
	})

	// run http handler
	wg.Go(func() {
		if err := handler.Run(); err != nil {
			logger.Error("http server encountered with an error and closed", "error", err.Error())
		}
		// cancel app context if http handler fails
		appCtxCancel()
	})

	// graceful shutdown
	wg.Go(func() {
		<-notifyCtx.Done()
		logger.Info("application shutting down...")

		shutDownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		handler.Shutdown(shutDownCtx)
		broker.Close()
		postgresql.Close(db)
	})

	wg.Wait()
	os.Exit(0)
}

func initExternalDependencies(ctx context.Context, config *Config, logger *slog.Logger) (db *gorm.DB, rCache *redisCache.RedisCache, broker *rabbitmq.Broker, err error) {
	// initialize database
	db, err = postgresql.Initialize(config.DbConnString, []any{
		&domain.Conversation{},
		&domain.Message{},
		&domain.FailedMessage{},
	}, domain.ConversationIndexes...)
	if err != nil {
		return
	}

	// initialize cache
	rCache, err = redisCache.NewRedisCache(ctx, config.RedisAddr)
	if err != nil {
		return
	}

	// initialize message broker
	broker, err = rabbitmq.Connect(rabbitmq.Config{
		URL:         config.AmqpUrl,
		WorkQueue:   config.AmqpWorkQueue(),
		RetryQueue:  config.AmqpRetryQueue(),
		DeferQueue:  config.AmqpDeferQueue(),
		DeadQueue:   config.AmqpDeadQueue(),
		RetryDelays: service.BackoffSchedule(config.RetryBaseDelay, config.RetryMaxDelay, config.MsgMaxRetry),
		MessageTTL:  domain.WindowDuration,
	}, logger.With(slog.String("component", "broker")))

	return
}

func sweepExpiredConversations(ctx context.Context, conversations conversationRepo.Repository, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired, err := conversations.ExpireStale(ctx, now.UTC())
			if err != nil {
				logger.Error("failed to expire stale conversations", "error", err.Error())
				continue
			}
			if expired > 0 {
				logger.Info("expired stale conversations", slog.Int64("count", expired))
			}
		}
	}
}
