package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/moodcam/internal/account"
	"github.com/example/moodcam/internal/auth"
	"github.com/example/moodcam/internal/classifier"
	"github.com/example/moodcam/internal/config"
	"github.com/example/moodcam/internal/emitter"
	"github.com/example/moodcam/internal/handlers"
	"github.com/example/moodcam/internal/logging"
	"github.com/example/moodcam/internal/predict"
	"github.com/example/moodcam/internal/repository"
)

func main() {
	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.LoadServer(os.Getenv("MOODCAM_CONFIG"))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	users := repository.NewUserRepository(db, logger)
	if err := users.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	model, conn, err := classifier.Dial(ctx, cfg.ClassifierAddr, logger)
	if err != nil {
		logger.Fatal("failed to connect to classifier", zap.Error(err))
	}
	defer conn.Close()

	publisher, closePublisher := initPublisher(ctx, cfg.MQTT, logger)
	defer closePublisher()

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.JWTAudience, cfg.TokenTTL)
	if err != nil {
		logger.Fatal("failed to create token issuer", zap.Error(err))
	}

	accounts := account.NewService(users, issuer, logger)
	predictions := predict.NewService(model, users, predict.NewRedisCache(redisClient), publisher,
		predict.Config{StoreInterval: cfg.EmotionStoreInterval}, logger)

	r := gin.New()
	r.Use(gin.Recovery())
	handlers.RegisterRoutes(r, handlers.Dependencies{
		Accounts:    accounts,
		Predictions: predictions,
		Auth:        auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience),
		VerifyToken: func(token string) (string, error) {
			return auth.ParseToken(token, cfg.JWTSecret, cfg.JWTAudience)
		},
		Logger: logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("moodcam server listening", zap.String("addr", cfg.HTTPAddr))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("systemd notify failed", zap.Error(err))
	}
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// initPublisher connects to MQTT when a broker is configured. A broker that
// is down at startup only disables publishing.
func initPublisher(ctx context.Context, cfg config.MQTTConfig, zapLogger *zap.Logger) (predict.Publisher, func()) {
	if cfg.Broker == "" {
		return emitter.Nop{}, func() {}
	}
	mqttEmitter := emitter.NewMQTTEmitter(emitter.Config{
		Broker:   cfg.Broker,
		ClientID: cfg.ClientID,
		Topic:    cfg.Topic,
		QoS:      cfg.QoS,
	}, zapLogger)
	if err := mqttEmitter.Connect(ctx); err != nil {
		zapLogger.Warn("mqtt unavailable, emotion events disabled", zap.String("broker", cfg.Broker), zap.Error(err))
		return emitter.Nop{}, func() {}
	}
	return mqttEmitter, mqttEmitter.Close
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
