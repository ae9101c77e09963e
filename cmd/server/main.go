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

	"order-core/config"
	"order-core/internal/api"
	"order-core/internal/broker"
	"order-core/internal/khalti"
	"order-core/internal/notify"
	"order-core/internal/redisclient"
	"order-core/internal/service"
	"order-core/internal/store"
	"order-core/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(util.LogOptions{
		Env:     cfg.Server.Env,
		Service: "order-core",
		Level:   cfg.Server.LogLevel,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order core", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer("order-core", cfg.Observ.JaegerEndpoint)
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

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		migrateCancel()
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	migrateCancel()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))

	eventPublisher := broker.NewEventPublisher(producer)

	dispatcher, err := newDispatcher(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize notifications", zap.Error(err))
	}

	orderService := service.NewOrderService(service.OrderServiceDeps{
		Orders:      db,
		Catalog:     db,
		Carts:       db,
		Users:       db,
		Counters:    db,
		Tx:          db,
		Notifier:    dispatcher,
		Events:      eventPublisher,
		Locker:      redisClient,
		Idempotency: redisClient,
		Pricing: service.PricingConfig{
			TaxRate:               cfg.Business.TaxRate,
			FreeShippingThreshold: cfg.Business.FreeShippingThreshold,
			FlatShippingCost:      cfg.Business.FlatShippingCost,
		},
		Policy: service.PolicyDefaults{
			CODLimit:           cfg.Business.CODLimit,
			ReturnWindowDays:   cfg.Business.ReturnWindowDays,
			ExchangeWindowDays: cfg.Business.ExchangeWindowDays,
			OrderPrefix:        cfg.Business.OrderPrefix,
			ExchangePrefix:     cfg.Business.ExchangePrefix,
			CheckoutLockTTL:    time.Duration(cfg.Business.CheckoutLockSeconds) * time.Second,
			IdempotencyTTL:     time.Duration(cfg.Business.IdempotencyTTLSeconds) * time.Second,
		},
	})

	khaltiClient := khalti.NewClient(khalti.Config{
		BaseURL:   cfg.Khalti.BaseURL,
		SecretKey: cfg.Khalti.SecretKey,
		AppURL:    cfg.Khalti.AppURL,
		Sandbox:   cfg.Khalti.Sandbox,
	}, nil)
	paymentService := service.NewPaymentService(orderService, khaltiClient)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, paymentService, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
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

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// newDispatcher enables each notification channel whose credentials are set
func newDispatcher(cfg *config.Config) (*notify.Dispatcher, error) {
	logger := util.GetLogger()

	var email notify.EmailProvider
	if p := notify.NewResendProvider(cfg.Email.ResendAPIKey, cfg.Email.From); p != nil {
		email = p
	} else {
		logger.Warn("RESEND_API_KEY not set, email notifications disabled")
	}

	var sms notify.SMSProvider
	if p := notify.NewTwilioProvider(cfg.SMS.TwilioAccountSID, cfg.SMS.TwilioAuthToken, cfg.SMS.FromNumber); p != nil {
		sms = p
	} else {
		logger.Warn("Twilio credentials not set, SMS notifications disabled")
	}

	return notify.NewDispatcher(email, sms, cfg.Email.ShopName)
}
