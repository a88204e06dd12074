package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"botlink/api/handler"
	apiMiddleware "botlink/api/middleware"
	"botlink/api/routes"
	"botlink/config"
	"botlink/internal/entity"
	"botlink/internal/ratelimit"
	"botlink/internal/repository"
	"botlink/internal/service"
	"botlink/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("load config")
	}

	db, err := config.ConnectDB(cfg)
	if err != nil {
		logger.WithError(err).Fatal("connect database")
	}
	if err := db.AutoMigrate(
		&entity.LinkToken{},
		&entity.AccountLink{},
		&entity.AuditEvent{},
		&entity.RateLimitCounter{},
		&entity.FailureStreak{},
	); err != nil {
		logger.WithError(err).Fatal("migrate database")
	}

	validate := validator.New()

	sessionManager := utils.JWTManager{
		Secret:     []byte(cfg.SessionJWTSecret),
		Issuer:     cfg.JWTIssuer,
		SessionTTL: cfg.SessionTTL,
	}

	deepLinks, err := service.NewDeepLinkBuilder(cfg.WebLinkBaseURL, cfg.BotUsername, cfg.LinkAllowedDomains)
	if err != nil {
		logger.WithError(err).Fatal("configure deep links")
	}

	var counterStore ratelimit.Store
	switch cfg.RateLimitBackend {
	case config.BackendMemory:
		counterStore = ratelimit.NewMemoryStore()
	case config.BackendRedis:
		counterStore = ratelimit.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	default:
		counterStore = ratelimit.NewGormStore(db)
	}
	limiter := ratelimit.NewLimiter(counterStore, cfg.ProgressiveDelayBase, cfg.ProgressiveDelayMax)

	var gateway service.MessagingGateway
	if cfg.TelegramBotToken != "" {
		gateway = service.NewTelegramGateway(cfg.TelegramBotToken)
	}

	linkService := service.NewLinkService(
		repository.NewLinkTokenRepository(db),
		repository.NewAccountLinkRepository(db),
		repository.NewAuditEventRepository(db),
		limiter,
		service.JWTSessionMinter{Manager: &sessionManager},
		gateway,
		deepLinks,
		[]byte(cfg.TokenHashSecret),
		service.RealClock{},
		service.LinkConfig{
			LinkTokenTTL:        cfg.LinkTokenTTL,
			LoginTokenTTL:       cfg.LoginTokenTTL,
			UserAttemptsPerHour: cfg.UserAttemptsPerHour,
			IPAttemptsPerHour:   cfg.IPAttemptsPerHour,
			UserTokensPerDay:    cfg.UserTokensPerDay,
		},
		logger,
	)

	go runReaper(linkService, cfg.ReapInterval, logger)

	app := echo.New()
	app.HideBanner = true
	app.HidePort = true
	app.Use(echoMiddleware.Recover())
	app.Use(echoMiddleware.RequestLoggerWithConfig(echoMiddleware.RequestLoggerConfig{
		LogStatus:   true,
		LogMethod:   true,
		LogURI:      true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echoMiddleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"status": v.Status,
				"method": v.Method,
				"uri":    v.URI,
				"ip":     v.RemoteIP,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Error("request")
				return nil
			}
			entry.Info("request")
			return nil
		},
	}))

	router := routes.NewRouter(
		app,
		handler.NewLinkHandler(linkService, validate),
		handler.NewBotHandler(linkService, validate),
		apiMiddleware.SessionAuth{JWT: &sessionManager},
		apiMiddleware.BotAuth{Secret: cfg.BotInternalToken},
	)
	router.RegisterRoutes()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.WithField("addr", cfg.HTTPAddr).Info("server started")
	if err := app.StartServer(server); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}

func runReaper(svc *service.LinkService, interval time.Duration, logger *logrus.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		reaped, err := svc.Reap(ctx)
		cancel()
		if err != nil {
			logger.WithError(err).Error("reap tokens")
			continue
		}
		if reaped > 0 {
			logger.WithField("reaped", reaped).Info("reaped expired tokens")
		}
	}
}
