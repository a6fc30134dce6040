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

	"github.com/MarcoPoloResearchLab/relay/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/config"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/database"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/outbound"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/server"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/session"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/store"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/syncengine"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/transport"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay-sync",
		Short: "Relay messaging synchronization client",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
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
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "Local API listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("transport-url", defaults.GetString("transport.url"), "Messaging server WebSocket URL")
	flags.Int("reconnect-attempts", defaults.GetInt("transport.reconnect_attempts"), "Reconnect attempts after a lost connection")
	flags.Duration("reconnect-wait", defaults.GetDuration("transport.reconnect_wait"), "Wait between reconnect attempts")
	flags.Int("window-size", defaults.GetInt("session.window_size"), "Messages kept in the active session window")
	flags.Bool("outbox", defaults.GetBool("outbox.enabled"), "Queue outbound commands while offline")
	flags.String("identity-user-id", "", "Device user seeded at start")
	flags.String("identity-display-name", "", "Display name of the device user")
	flags.String("session-secret", "", "Session JWT signing secret (overrides env)")
	flags.String("transport-secret", "", "Handshake token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "transport.url", "transport-url")
	bindFlag(cmd, "transport.reconnect_attempts", "reconnect-attempts")
	bindFlag(cmd, "transport.reconnect_wait", "reconnect-wait")
	bindFlag(cmd, "session.window_size", "window-size")
	bindFlag(cmd, "outbox.enabled", "outbox")
	bindFlag(cmd, "identity.user_id", "identity-user-id")
	bindFlag(cmd, "identity.display_name", "identity-display-name")
	bindFlag(cmd, "auth.signing_secret", "session-secret")
	bindFlag(cmd, "transport.signing_secret", "transport-secret")
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

func run(ctx context.Context) error {
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

	localStore, err := store.New(store.Config{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	defer localStore.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	userService, err := users.NewService(users.ServiceConfig{
		Store:  localStore,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if appConfig.DeviceUserID != "" {
		if _, err := userService.SeedDeviceUser(signalCtx, appConfig.DeviceUserID, appConfig.DeviceDisplayName); err != nil {
			return err
		}
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.TransportSecret),
		TokenTTL:      appConfig.TransportTokenTTL,
		Identity:      userService,
	})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	channel, err := transport.NewWebSocketChannel(transport.Config{
		URL:                  appConfig.TransportURL,
		TokenSource:          tokenIssuer,
		MaxReconnectAttempts: appConfig.ReconnectAttempts,
		ReconnectWait:        appConfig.ReconnectWait,
		HeartbeatInterval:    appConfig.HeartbeatInterval,
		Logger:               logger,
		Registerer:           registry,
	})
	if err != nil {
		return err
	}

	engine, err := syncengine.New(syncengine.Config{
		Store:      localStore,
		Logger:     logger,
		Registerer: registry,
		QueueSize:  appConfig.SyncQueueSize,
	})
	if err != nil {
		return err
	}
	engine.Attach(channel)

	sessions, err := session.NewManager(session.Config{
		Store:      localStore,
		Emitter:    channel,
		Identity:   userService,
		WindowSize: appConfig.SessionWindowSize,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer sessions.Close()

	pipeline, err := outbound.NewPipeline(outbound.Config{
		Store:         localStore,
		Emitter:       channel,
		Identity:      userService,
		Reloader:      engine,
		Logger:        logger,
		Registerer:    registry,
		OutboxEnabled: appConfig.OutboxEnabled,
		MaxAttempts:   appConfig.OutboxMaxAttempts,
		RatePerSecond: appConfig.OutboxRatePerSec,
	})
	if err != nil {
		return err
	}
	pipeline.Attach(channel)

	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator:  sessionValidator,
		Users:             userService,
		Conversations:     engine,
		Sessions:          sessions,
		Intents:           pipeline,
		Transport:         channel,
		Feed:              localStore.Feed(),
		Gatherer:          registry,
		Registerer:        registry,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	go func() {
		if err := engine.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync engine stopped", zap.Error(err))
		}
	}()
	if err := engine.ReloadConversations(signalCtx); err != nil {
		logger.Warn("initial conversation load failed", zap.Error(err))
	}
	userService.OnCurrentUserChange(func(user chat.User) {
		go func() {
			if err := channel.Connect(signalCtx); err != nil {
				logger.Warn("connect after sign-in failed", zap.String("user_id", user.UserID), zap.Error(err))
			}
		}()
	})
	if err := channel.Connect(signalCtx); err != nil {
		logger.Warn("initial connect failed, reconnecting in background", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end when the signal context is canceled.
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("local api starting", zap.String("address", appConfig.HTTPAddress))
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
		if err := sessions.Leave(shutdownCtx); err != nil {
			logger.Warn("session leave failed", zap.Error(err))
		}
		if err := channel.Disconnect(); err != nil {
			logger.Warn("transport disconnect failed", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		_ = channel.Disconnect()
		return err
	}
}
