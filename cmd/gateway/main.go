package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/api"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/auth"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/dispatcher"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/engine"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/gateway"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/registry"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/sweeper"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/tracker"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/watchlist"
	"github.com/shubham-shewale/stock-alerts/pkg/alertstore"
	"github.com/shubham-shewale/stock-alerts/pkg/broker"
	"github.com/shubham-shewale/stock-alerts/pkg/config"
	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if cfg.App.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	cache := broker.NewRedisCache(rdb, cfg.Broker.ChannelPrefix, logger)
	defer cache.Close()

	retry := broker.WithRetry(broker.RetryPolicy{
		MaxAttempts:     cfg.Broker.RetryMax,
		InitialInterval: cfg.Broker.RetryInitial,
		MaxInterval:     cfg.Broker.RetryMaxInterval,
	})
	prices := broker.NewChannel[models.PriceUpdate](cache, broker.ChannelPrices, retry, broker.WithLogger(logger))
	fired := broker.NewChannel[models.FiredAlertEvent](cache, broker.ChannelAlertsFired, retry, broker.WithLogger(logger))
	watch := broker.NewChannel[models.WatchlistEvent](cache, broker.ChannelWatchlist, retry, broker.WithLogger(logger))
	subs := broker.NewChannel[models.SubscriptionEvent](cache, broker.ChannelSubscriptions, retry, broker.WithLogger(logger))

	alerts := openAlertStore(cfg, logger)

	reg := registry.New()
	sessions := tracker.New(cfg.Tracker.LivenessTimeout, logger,
		tracker.WithOfflineHook(func(userID string) {
			logger.Info("User went offline", zap.String("user_id", userID))
		}))

	disp := dispatcher.New(dispatcher.Config{
		MaxInFlightPerUser: cfg.Dispatcher.MaxInFlightPerUser,
		MaxConcurrentUsers: cfg.Dispatcher.MaxConcurrentUsers,
		DeliveryTimeout:    cfg.Dispatcher.DeliveryTimeout,
		DedupWindow:        cfg.Dispatcher.DedupWindow,
	}, sessions, reg, logger)

	eng := engine.New(engine.Config{
		Lanes:      cfg.Engine.Lanes,
		LaneBuffer: cfg.Engine.LaneBuffer,
	}, alerts, fired, logger, engine.WithInterest(reg), engine.WithWatchlist(watch))
	eng.Start(ctx)

	listeners, err := disp.Listen(ctx, fired, watch, subs)
	if err != nil {
		logger.Fatal("Failed to start dispatcher", zap.Error(err))
	}
	priceSub, err := eng.SubscribeTo(ctx, prices)
	if err != nil {
		logger.Fatal("Failed to subscribe to prices", zap.Error(err))
	}

	repo := repository.NewRedisStore(rdb, cache, cfg.Gateway.WatchlistViewTTL)
	svc := watchlist.NewService(reg, repo, subs, cfg.Gateway.ValidTickers, logger)
	wsHub := hub.NewHub(svc, repo, logger)

	if err := cfg.RequireAuthSecret(); err != nil {
		logger.Fatal("Refusing to start without authentication", zap.Error(err))
	}
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	if verifier.Insecure() {
		logger.Warn("No JWT secret configured, trusting X-User-ID header")
	}

	opts := gateway.DefaultOptions
	opts.SendBuffer = cfg.Gateway.SendBuffer
	opts.HandshakeTimeout = cfg.Tracker.HandshakeTimeout
	wsHandler := func(c *gin.Context) {
		client := gateway.NewClient(uuid.NewString(), auth.CurrentUser(c), wsHub, sessions, logger, opts)
		// failures are logged by the client and answered by the upgrader
		client.Serve(c.Request.Context(), c.Writer, c.Request)
	}

	router := api.NewRouter(api.NewHandler(svc, alerts, logger), verifier, wsHandler)
	srv := &http.Server{Addr: cfg.App.Port, Handler: router}

	sweep := sweeper.New(sessions, cfg.Tracker.SweepInterval, logger)
	if err := sweep.Start(); err != nil {
		logger.Fatal("Failed to start sweeper", zap.Error(err))
	}

	go func() {
		logger.Info("Server Started", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	sweep.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown", zap.Error(err))
	}

	priceSub.Close()
	eng.Stop()
	for _, l := range listeners {
		l.Close()
	}

	logger.Info("Shutdown Complete",
		zap.Any("engine", eng.Stats()),
		zap.Any("dispatcher", disp.Stats()),
		zap.Any("fired_channel", fired.Stats()))
}

func openAlertStore(cfg *config.Config, logger *zap.Logger) alertstore.Store {
	if cfg.Postgres.DSN == "" {
		logger.Warn("No Postgres DSN configured, keeping alerts in memory")
		return alertstore.NewMemoryStore()
	}
	store, err := alertstore.OpenPostgres(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("Failed to open alert store", zap.Error(err))
	}
	return store
}
