package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront-service/config"
	"storefront-service/internal/api"
	"storefront-service/internal/broker"
	"storefront-service/internal/coupon"
	"storefront-service/internal/mailer"
	"storefront-service/internal/orderstate"
	"storefront-service/internal/redisclient"
	"storefront-service/internal/service"
	"storefront-service/internal/store"
	"storefront-service/internal/util"
	"storefront-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, "storefront-service"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront service")

	tp, err := util.InitTracer("storefront-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer orderProducer.Close()
	notificationProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notificationProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(orderProducer)
	notifier := broker.NewNotificationPublisher(notificationProducer)

	couponService := coupon.NewService(db, coupon.WithCache(redisClient, cfg.Business.CouponCacheTTL))

	retryPolicy := orderstate.RetryPolicy{
		MaxAttempts:     cfg.Business.NotifyMaxAttempts,
		InitialInterval: orderstate.DefaultRetryPolicy.InitialInterval,
		MaxInterval:     orderstate.DefaultRetryPolicy.MaxInterval,
	}

	machine := orderstate.NewMachine(db, notifier,
		orderstate.WithEventPublisher(eventPublisher),
		orderstate.WithRetryPolicy(retryPolicy),
		orderstate.WithNotifyTimeout(time.Duration(cfg.Business.NotifyTimeoutSeconds)*time.Second),
	)

	orderService := service.NewOrderService(db, couponService, machine, redisClient, eventPublisher, cfg.Business.IdempotencyTTL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	mailClient := mailer.NewClient(cfg.Mailer.URL, cfg.Mailer.From, nil)
	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, mailClient, db, worker.WithRetryPolicy(retryPolicy))
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Server.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is not set, admin routes will reject every request")
	}

	router := gin.New()
	handler := api.NewHandler(orderService, couponService, cfg.Server.AdminToken, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Let detached notification dispatch finish before the producers close
	machine.Wait()

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Error("Failed to stop notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
