package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gravity2api/internal/config"
	"gravity2api/internal/handler"
	"gravity2api/internal/pkg/antigravity"
	"gravity2api/internal/pkg/logger"
	"gravity2api/internal/repository"
	"gravity2api/internal/service"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	db, err := repository.Open(cfg.Database)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	if err := repository.EnsureSchema(schemaCtx, db); err != nil {
		cancelSchema()
		log.Fatal("schema bootstrap failed", zap.Error(err))
	}
	cancelSchema()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	accountRepo := repository.NewAccountRepository(db)
	userRepo := repository.NewUserRepository(db)
	quotaRepo := repository.NewQuotaRepository(db)
	logRepo := repository.NewConsumptionLogRepository(db)
	cache := repository.NewGatewayCache(rdb)

	client := antigravity.NewClient(cfg.Antigravity.RequestTimeout, cfg.Antigravity.UserAgent)
	provider := service.NewGoogleOAuthProvider(client, cfg.Antigravity.OAuthClientID, cfg.Antigravity.OAuthClientSecret)

	tokens := service.NewTokenService(accountRepo, provider, log)
	quota := service.NewQuotaService(accountRepo, userRepo, quotaRepo, logRepo, tokens, client, cfg.Quota, log)
	defer quota.Stop()
	selector := service.NewAccountSelector(accountRepo, quota, tokens, log)
	oauth := service.NewOAuthService(accountRepo, quota, provider, client, cfg.Antigravity.OAuthStateTTL, log)
	probe := service.NewAccountProbeService(accountRepo, tokens, client, cfg.Antigravity.UserAgent, log)
	gateway := service.NewGatewayService(selector, accountRepo, quota, tokens, client, cache, cfg, log)

	gatewayHandler := handler.NewGatewayHandler(gateway)
	adminHandler := handler.NewAdminHandler(userRepo, accountRepo, quotaRepo, logRepo, quota, oauth, probe)
	router := handler.NewRouter(gatewayHandler, adminHandler, userRepo, cfg.Auth.AdminToken)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Quota.SweepCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		quota.SweepStaleSnapshots(ctx)
	}); err != nil {
		log.Fatal("schedule quota sweep failed", zap.Error(err))
	}
	if _, err := scheduler.AddFunc("@every 1m", oauth.SweepExpiredStates); err != nil {
		log.Fatal("schedule oauth state sweep failed", zap.Error(err))
	}
	if _, err := scheduler.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		quota.CleanupConsumptionLog(ctx)
	}); err != nil {
		log.Fatal("schedule log cleanup failed", zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	go func() {
		log.Info("gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
