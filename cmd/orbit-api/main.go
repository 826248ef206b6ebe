package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/internal/auth"
	"github.com/MarcoPoloResearchLab/orbit/internal/chat"
	"github.com/MarcoPoloResearchLab/orbit/internal/config"
	"github.com/MarcoPoloResearchLab/orbit/internal/database"
	"github.com/MarcoPoloResearchLab/orbit/internal/directory"
	"github.com/MarcoPoloResearchLab/orbit/internal/ids"
	"github.com/MarcoPoloResearchLab/orbit/internal/logging"
	"github.com/MarcoPoloResearchLab/orbit/internal/notes"
	"github.com/MarcoPoloResearchLab/orbit/internal/server"
	"github.com/MarcoPoloResearchLab/orbit/internal/session"
	"github.com/MarcoPoloResearchLab/orbit/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	redisPingTimeout     = 5 * time.Second
	sessionSweepInterval = time.Minute
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "orbit-api",
		Short: "Orbit CRM chat notifications and mentions backend",
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
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	flags.Duration("shutdown-timeout", defaults.GetDuration(config.KeyShutdownTimeout), "Graceful shutdown timeout")
	flags.String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	flags.String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "TAuth session signing secret (overrides env)")
	flags.String("tauth-issuer", defaults.GetString(config.KeyIssuer), "Expected TAuth issuer")
	flags.String("cookie-name", defaults.GetString(config.KeyCookieName), "TAuth session cookie name")
	flags.Int("stream-limit", defaults.GetInt(config.KeyStreamLimit), "Messages replayed when a tracker subscribes")
	flags.String("redis-address", "", "Redis address for cross-instance chat fan-out (empty disables)")
	flags.String("redis-password", "", "Redis password")
	flags.String("redis-channel", defaults.GetString(config.KeyRedisChannel), "Redis pub/sub channel for chat changes")
	flags.StringSlice("allowed-origins", nil, "CORS origins allowed to call the API (empty reflects any origin)")
	flags.Duration("session-idle-timeout", defaults.GetDuration(config.KeyIdleTimeout), "Close unread trackers idle for this long")

	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyShutdownTimeout, "shutdown-timeout")
	bindFlag(cmd, config.KeyDatabasePath, "database-path")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
	bindFlag(cmd, config.KeySigningSecret, "signing-secret")
	bindFlag(cmd, config.KeyIssuer, "tauth-issuer")
	bindFlag(cmd, config.KeyCookieName, "cookie-name")
	bindFlag(cmd, config.KeyStreamLimit, "stream-limit")
	bindFlag(cmd, config.KeyRedisAddress, "redis-address")
	bindFlag(cmd, config.KeyRedisPassword, "redis-password")
	bindFlag(cmd, config.KeyRedisChannel, "redis-channel")
	bindFlag(cmd, config.KeyAllowedOrigins, "allowed-origins")
	bindFlag(cmd, config.KeyIdleTimeout, "session-idle-timeout")
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	idProvider := ids.NewUUIDProvider()

	var relay *chat.RedisRelay
	if appConfig.RelayEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
		})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(signalCtx, redisPingTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		instanceID, err := idProvider.NewID()
		if err != nil {
			return err
		}
		relay, err = chat.NewRedisRelay(chat.RedisRelayConfig{
			Client:     client,
			Channel:    appConfig.RedisChannel,
			InstanceID: instanceID,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
	}

	chatConfig := chat.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	}
	if relay != nil {
		chatConfig.Relay = relay
	}
	chatService, err := chat.NewService(chatConfig)
	if err != nil {
		return err
	}
	if relay != nil {
		go func() {
			if err := relay.Run(signalCtx, chatService.DeliverRemote); err != nil {
				logger.Error("chat relay stopped", zap.Error(err))
			}
		}()
		logger.Info("chat relay enabled", zap.String("channel", appConfig.RedisChannel))
	}

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	directorySource := directory.Sources{
		Users:  userService.ListDirectoryUsers,
		Groups: chatService.ListDirectoryGroups,
	}
	sessions, err := session.NewManager(session.ManagerConfig{
		Stream:      chatService,
		Directory:   directorySource,
		Clock:       time.Now,
		Logger:      logger,
		StreamLimit: appConfig.StreamLimit,
		IdleTimeout: appConfig.IdleTimeout,
	})
	if err != nil {
		return err
	}
	defer sessions.CloseAll()
	go sessions.Run(signalCtx, sessionSweepInterval)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Identities:       userService,
		ChatService:      chatService,
		NotesService:     notesService,
		Sessions:         sessions,
		Directory:        directorySource,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		sessions.CloseAll()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
