package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/config"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/entries"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/pending"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/preserve"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/server"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/session"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/users"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const expirySweepInterval = 6 * time.Hour

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pinpoint-api",
		Short: "Pinpoint entry preservation backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("redis.addr"), "Redis address for the preservation tier (empty disables it)")
	cmd.PersistentFlags().Int("preserve-ttl-hours", defaults.GetInt("preserve.ttl_hours"), "Preserved guess set TTL in hours")
	cmd.PersistentFlags().Int("pending-ttl-days", defaults.GetInt("pending.ttl_days"), "Pending record TTL in days")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "preserve.ttl_hours", "preserve-ttl-hours")
	bindFlag(cmd, "pending.ttl_days", "pending-ttl-days")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	tiers, err := buildTiers(appConfig, db, logger)
	if err != nil {
		return err
	}

	idProvider := entries.NewUUIDProvider()

	preserver, err := preserve.NewManager(preserve.ManagerConfig{
		Tiers:  tiers,
		TTL:    appConfig.PreserveTTL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.ManagerConfig{
		Tiers:      tiers,
		TTL:        appConfig.PreserveTTL,
		IDProvider: idProvider,
		Logger:     logger,
	})

	pendingService, err := pending.NewService(pending.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		TTL:        appConfig.PendingTTL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	entryStore, err := entries.NewStore(entries.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	engine, err := reconcile.NewEngine(reconcile.EngineConfig{
		Database:   db,
		Pending:    pendingService,
		Preserver:  preserver,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	identityService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:  sessions,
		Preserver: preserver,
		Pending:   pendingService,
		Entries:   entryStore,
		Engine:    engine,
		Users:     identityService,
		Validator: validator,
		Issuer:    issuer,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runExpirySweep(signalCtx, pendingService, logger)

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildTiers assembles the preservation fallback chain in priority order:
// redis when configured, then the database tier, then process memory.
func buildTiers(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) ([]preserve.Store, error) {
	tiers := make([]preserve.Store, 0, 3)

	if appConfig.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:        appConfig.RedisAddr,
			DialTimeout: 5 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// A missing redis degrades redundancy, not correctness.
			logger.Warn("redis tier unavailable, continuing without it",
				zap.String("addr", appConfig.RedisAddr), zap.Error(err))
			_ = client.Close()
		} else {
			redisTier, err := preserve.NewRedisStore(preserve.RedisStoreConfig{Client: client})
			if err != nil {
				return nil, err
			}
			tiers = append(tiers, redisTier)
		}
	}

	databaseTier, err := preserve.NewDatabaseStore(preserve.DatabaseStoreConfig{Database: db})
	if err != nil {
		return nil, err
	}
	tiers = append(tiers, databaseTier)
	tiers = append(tiers, preserve.NewMemoryStore(nil))

	return tiers, nil
}

// runExpirySweep periodically flips and purges stale pending rows. Readers
// exclude expired rows regardless, so this only reclaims storage.
func runExpirySweep(ctx context.Context, pendingService *pending.Service, logger *zap.Logger) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pendingService.ExpireStale(ctx); err != nil {
				logger.Warn("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
