package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/qcom/otpbroker/internal/config"
	"github.com/qcom/otpbroker/internal/handlers"
	"github.com/qcom/otpbroker/internal/middleware"
	"github.com/qcom/otpbroker/internal/notifier"
	"github.com/qcom/otpbroker/internal/repository"
	"github.com/qcom/otpbroker/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.Log.Level).Warn("Unknown log level, using info")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, closeStore, err := initSessionStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize session store")
	}
	defer closeStore()

	n, err := notifier.New(cfg.Notifier, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize notifier")
	}
	if !n.Configured() {
		logger.WithField("provider", cfg.Notifier.Provider).Warn("Notifier is not configured; OTP requests will be rejected")
	}

	broker := service.NewBroker(store, n, &cfg.OTP, logger)
	go broker.RunSweeper(ctx, cfg.OTP.SweepInterval)

	var tokens *service.TokenService
	var authMiddleware *middleware.AuthMiddleware
	if cfg.JWT.SecretKey != "" {
		tokens, err = service.NewTokenService(&cfg.JWT, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize token service")
		}
		authMiddleware = middleware.NewAuthMiddleware(tokens, logger)
	} else {
		logger.Info("JWT_SECRET_KEY not set; verification tokens disabled")
	}

	otpHandlers := handlers.NewOTPHandlers(broker, tokens, logger)
	ips, err := middleware.NewIPResolver(cfg.Server.TrustedProxies)
	if err != nil {
		logger.WithError(err).Fatal("Failed to parse trusted proxies")
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst, ips)
	router := handlers.NewRouter(otpHandlers, authMiddleware, limiter, cfg.Server.AllowedOrigins, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":     cfg.Server.Port,
			"store":    cfg.Store.Backend,
			"notifier": cfg.Notifier.Provider,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func initSessionStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (repository.SessionStore, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis session store initialized")
		return repository.NewRedisSessionStore(client, cfg.OTP.Retention, logger), func() { client.Close() }, nil

	case config.StoreDynamoDB:
		client, err := initDynamoDB(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewDynamoSessionStore(client, cfg.DynamoDB.TableName, cfg.OTP.Retention, logger), func() {}, nil

	default:
		logger.Info("In-memory session store initialized")
		return repository.NewMemorySessionStore(), func() {}, nil
	}
}

func initDynamoDB(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoDB.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.WithField("table", cfg.DynamoDB.TableName).Info("DynamoDB session store initialized")
	return client, nil
}
