package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/config"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/database"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/events"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/housekeeping"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/server"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/users"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/heptiolabs/healthcheck"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	shutdownTimeout    = 10 * time.Second
	goroutineThreshold = 10000
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coedit-api",
		Short: "Collaborative editing coordination service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	})

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
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "TAuth session signing secret (overrides env)")
	flags.String("cookie-name", defaults.GetString("tauth.cookie_name"), "TAuth session cookie name")
	flags.String("issuer", defaults.GetString("tauth.issuer"), "Expected TAuth token issuer")
	flags.Duration("token-leeway", defaults.GetDuration("tauth.leeway"), "Clock skew tolerated on TAuth token timestamps")
	flags.Duration("idle-threshold", defaults.GetDuration("session.idle_threshold"), "Idle time before the reconnect hint is raised")
	flags.Duration("lock-ttl", defaults.GetDuration("locks.ttl"), "Inactivity after which a held unit lock is released")
	flags.Duration("save-ttl", defaults.GetDuration("saves.ttl"), "Age after which a stuck save flag is cleared")
	flags.Duration("housekeeping-interval", defaults.GetDuration("housekeeping.interval"), "Housekeeping sweep interval (0 disables)")
	flags.Duration("autosave-window", defaults.GetDuration("autosave.recent_window"), "Window in which a redundant autosave is skipped")
	flags.Int64("quota-bytes", defaults.GetInt64("storage.quota_bytes"), "Per-owner storage quota in bytes (0 disables)")
	flags.String("events-backend", defaults.GetString("events.backend"), "Comma-separated event backends (local, redis, kafka)")
	flags.String("redis-address", defaults.GetString("events.redis.address"), "Redis address for the redis event backend")
	flags.String("kafka-brokers", defaults.GetString("events.kafka.brokers"), "Comma-separated Kafka brokers")
	flags.String("kafka-topic", defaults.GetString("events.kafka.topic"), "Kafka topic for room events")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "tauth.cookie_name", "cookie-name")
	bindFlag(cmd, "tauth.issuer", "issuer")
	bindFlag(cmd, "tauth.leeway", "token-leeway")
	bindFlag(cmd, "session.idle_threshold", "idle-threshold")
	bindFlag(cmd, "locks.ttl", "lock-ttl")
	bindFlag(cmd, "saves.ttl", "save-ttl")
	bindFlag(cmd, "housekeeping.interval", "housekeeping-interval")
	bindFlag(cmd, "autosave.recent_window", "autosave-window")
	bindFlag(cmd, "storage.quota_bytes", "quota-bytes")
	bindFlag(cmd, "events.backend", "events-backend")
	bindFlag(cmd, "events.redis.address", "redis-address")
	bindFlag(cmd, "events.kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "events.kafka.topic", "kafka-topic")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runMigrations() error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := metrics.New()
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
		Leeway:        appConfig.TAuthLeeway,
	})
	if err != nil {
		return err
	}

	directory, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	store, err := content.NewStore(content.StoreConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	hub := events.NewHub()
	publisher, err := buildPublisher(signalCtx, appConfig, hub, logger)
	if err != nil {
		return err
	}
	defer publisher.Close() //nolint:errcheck

	collabService, err := collab.NewService(collab.ServiceConfig{
		Database:       db,
		Content:        store,
		Notifier:       events.NewNotifier(publisher, registry, logger),
		Directory:      directory,
		Metrics:        registry,
		Clock:          time.Now,
		IDProvider:     collab.NewUUIDProvider(),
		Logger:         logger,
		IdleThreshold:  appConfig.IdleThreshold,
		QuotaBytes:     appConfig.StorageQuotaBytes,
		AutosaveWindow: appConfig.AutosaveWindow,
	})
	if err != nil {
		return err
	}

	sweeper, err := housekeeping.New(housekeeping.Config{
		Interval: appConfig.HousekeepingInterval,
		LockTTL:  appConfig.LockTTL,
		SaveTTL:  appConfig.SaveTTL,
	}, collabService, registry, logger)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(goroutineThreshold))
	health.AddReadinessCheck("database", healthcheck.DatabasePingCheck(sqlDB, time.Second))

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Principals:       directory,
		Collab:           collabService,
		Hub:              hub,
		Metrics:          registry.Handler(),
		Health:           health,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Strings("event_backends", appConfig.EventBackends),
			zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildPublisher assembles the configured event backends. With redis enabled
// the relay feeds events from other instances into the local hub.
func buildPublisher(ctx context.Context, appConfig config.AppConfig, hub *events.Hub, logger *zap.Logger) (events.Fanout, error) {
	var fanout events.Fanout
	origin := uuid.NewString()

	if appConfig.UsesBackend("local") {
		fanout = append(fanout, hub)
	}
	if appConfig.UsesBackend("redis") {
		client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			_ = fanout.Close()
			return nil, err
		}
		fanout = append(fanout, events.NewRedisPublisher(client, origin))
		relay := events.NewRelay(client, hub, origin, logger)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis relay stopped", zap.Error(err))
			}
		}()
	}
	if appConfig.UsesBackend("kafka") {
		fanout = append(fanout, events.NewKafkaPublisher(appConfig.KafkaBrokers, appConfig.KafkaTopic))
	}
	return fanout, nil
}
