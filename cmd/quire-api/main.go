package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/config"
	"github.com/MarcoPoloResearchLab/quire/internal/database"
	"github.com/MarcoPoloResearchLab/quire/internal/logging"
	"github.com/MarcoPoloResearchLab/quire/internal/posts"
	"github.com/MarcoPoloResearchLab/quire/internal/server"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quire-api",
		Short: "Quire post revision service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema and apply pending data migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	}
	rootCmd.AddCommand(migrateCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres, mysql)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "Postgres or MySQL connection string")
	flags.String("redis-url", "", "Redis URL for relaying realtime events between instances")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	flags.String("signing-secret", "", "TAuth session signing secret (overrides env)")
	flags.String("session-cookie", defaults.GetString("tauth.cookie_name"), "Session cookie name")
	flags.String("session-issuer", defaults.GetString("tauth.issuer"), "Expected session token issuer")
	flags.Bool("metrics", defaults.GetBool("metrics.enabled"), "Expose Prometheus metrics on /metrics")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "realtime.redis_url", "redis-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "tauth.cookie_name", "session-cookie")
	bindFlag(cmd, "tauth.issuer", "session-issuer")
	bindFlag(cmd, "metrics.enabled", "metrics")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if _, err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runMigrations() error {
	logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.encoding"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: viper.GetString("database.driver"),
		Path:   viper.GetString("database.path"),
		DSN:    viper.GetString("database.dsn"),
	}, logger)
	if err != nil {
		return err
	}
	return closeDatabase(db)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db) //nolint:errcheck

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	principals, err := users.NewService(users.ServiceConfig{
		Database: db,
		Logger:   logger.Named("users"),
	})
	if err != nil {
		return err
	}

	postsService, err := posts.NewService(posts.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: posts.NewUUIDProvider(),
		Logger:     logger.Named("posts"),
	})
	if err != nil {
		return err
	}

	var metrics *server.Metrics
	if appConfig.MetricsEnabled {
		metrics = server.NewMetrics()
	}

	// Event streams and the relay derive from baseCtx and end when shutdown begins.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	dispatcher := server.NewRealtimeDispatcher()
	deps := server.Dependencies{
		SessionValidator: sessionValidator,
		Principals:       principals,
		PostsService:     postsService,
		Realtime:         dispatcher,
		Metrics:          metrics,
		Logger:           logger.Named("http"),
	}
	if appConfig.RedisURL != "" {
		redisClient, err := connectRedis(baseCtx, appConfig.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close() //nolint:errcheck

		relay, err := server.NewRedisRelay(server.RedisRelayConfig{
			Client:     redisClient,
			Channel:    appConfig.RedisChannel,
			Dispatcher: dispatcher,
			Logger:     logger.Named("relay"),
		})
		if err != nil {
			return err
		}
		go relay.Run(baseCtx)
		deps.Relay = relay
		logger.Info("realtime relay enabled", zap.String("channel", appConfig.RedisChannel))
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelStreams)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func connectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime.redis_url: %w", err)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func closeDatabase(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
