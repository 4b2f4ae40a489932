package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/realty-api/api/swagger"
	"github.com/noah-isme/realty-api/internal/handler"
	"github.com/noah-isme/realty-api/internal/middleware"
	"github.com/noah-isme/realty-api/internal/models"
	"github.com/noah-isme/realty-api/internal/repository"
	"github.com/noah-isme/realty-api/internal/service"
	"github.com/noah-isme/realty-api/internal/token"
	"github.com/noah-isme/realty-api/pkg/cache"
	"github.com/noah-isme/realty-api/pkg/config"
	"github.com/noah-isme/realty-api/pkg/database"
	"github.com/noah-isme/realty-api/pkg/jobs"
	"github.com/noah-isme/realty-api/pkg/logger"
	"github.com/noah-isme/realty-api/pkg/mailer"
	corsmiddleware "github.com/noah-isme/realty-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/realty-api/pkg/middleware/requestid"
)

// @title Realty API
// @version 1.0.0
// @description Authentication and session lifecycle service
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	userRepo := repository.NewUserRepository(db)

	var revocations repository.RevocationStore
	switch cfg.Revocation.Backend {
	case config.RevocationBackendRedis:
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect to redis", "error", err)
		}
		defer redisClient.Close()
		revocations = repository.NewRedisRevocationStore(redisClient)
	default:
		revocations = repository.NewRevocationRepository(db)
	}

	codec := token.NewCodec(token.Config{
		AccessSecret:  cfg.Auth.AccessTokenSecret,
		AccessTTL:     cfg.Auth.AccessTokenTTL,
		RefreshSecret: cfg.Auth.RefreshTokenSecret,
		RefreshTTL:    cfg.Auth.RefreshTokenTTL,
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
	})

	smtpMailer, err := mailer.New(cfg.SMTP, logr)
	if err != nil {
		logr.Sugar().Fatalw("failed to init mailer", "error", err)
	}

	mailQueue := jobs.NewQueue("mail", func(jobCtx context.Context, job jobs.Job) error {
		payload, ok := job.Payload.(service.ResetMailPayload)
		if !ok {
			return fmt.Errorf("unexpected payload for job %s", job.ID)
		}
		return smtpMailer.SendPasswordReset(jobCtx, payload.To, payload.Token)
	}, jobs.QueueConfig{Workers: 2, MaxRetries: 3, RetryDelay: 10 * time.Second, Logger: logr})
	mailQueue.Start(ctx)
	defer mailQueue.Stop()

	var metricsSvc *service.MetricsService
	if cfg.Metrics.Enabled {
		metricsSvc = service.NewMetricsService()
	}

	authSvc := service.NewAuthService(userRepo, revocations, codec, service.NewMailDispatcher(mailQueue), nil, logr, cfg.Auth.ResetTokenTTL)
	userSvc := service.NewUserService(userRepo, nil, logr)

	authHandler := handler.NewAuthHandler(authSvc, metricsSvc, logr)
	userHandler := handler.NewUserHandler(userSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	if cfg.Metrics.Enabled {
		r.GET("/metrics", metricsHandler.Prometheus)
	}
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	requireAuth := middleware.Auth(authSvc)

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh-token", authHandler.Refresh)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password/:token", authHandler.ResetPassword)

		auth.POST("/logout", requireAuth, authHandler.Logout)
		auth.PUT("/change-password", requireAuth, authHandler.ChangePassword)
		auth.GET("/me", requireAuth, authHandler.Me)
	}

	users := api.Group("/users", requireAuth)
	{
		users.GET("", middleware.RBAC(logr, models.RoleAdmin), userHandler.List)
		users.POST("", middleware.RBAC(logr, models.RoleAdmin), userHandler.Create)
		users.GET("/:id", middleware.SelfOrRoles(logr, models.RoleAdmin), userHandler.Get)
		users.PUT("/:id", middleware.RBAC(logr, models.RoleAdmin), userHandler.Update)
		users.DELETE("/:id", middleware.RBAC(logr, models.RoleAdmin), userHandler.Delete)
	}

	go runPurgeSweeper(ctx, revocations, metricsSvc, cfg.Revocation.PurgeInterval, logr)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "revocation_backend", cfg.Revocation.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

// runPurgeSweeper periodically removes expired revocation entries so the
// blacklist stays bounded by the refresh token lifetime.
func runPurgeSweeper(ctx context.Context, store repository.RevocationStore, metrics *service.MetricsService, interval time.Duration, logr *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := store.PurgeExpired(ctx, time.Now().UTC())
			if err != nil {
				logr.Sugar().Warnw("revocation purge failed", "error", err)
				continue
			}
			metrics.RecordPurgedTokens(purged)
			if purged > 0 {
				logr.Sugar().Infow("purged expired revocation entries", "count", purged)
			}
		}
	}
}
