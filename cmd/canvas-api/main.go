package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/auth"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/config"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/database"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/durable"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/logging"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/server"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/users"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/viewport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

// Locks whose holder vanished without a clean disconnect expire after the lock TTL.
var leasedPatterns = []string{"canvases/*/locks"}

func main() {
	rootCmd := &cobra.Command{
		Use:   "canvas-api",
		Short: "Collaborative canvas backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and realtime gateway (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}, newTokenCommand(), newSimulateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed for CORS and WebSocket upgrades")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("throttle-ms", defaults.GetInt("realtime.throttle_ms"), "Broadcast throttle interval in milliseconds")
	cmd.PersistentFlags().Int("lock-ttl-seconds", defaults.GetInt("realtime.lock_ttl_seconds"), "Age after which abandoned locks expire")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "realtime.throttle_ms", "throttle-ms")
	bindFlag(cmd, "realtime.lock_ttl_seconds", "lock-ttl-seconds")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	documents, err := durable.NewDocumentStore(durable.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	hub := ephemeral.NewHub(ephemeral.HubConfig{Logger: logger})
	janitor, err := ephemeral.NewJanitor(ephemeral.JanitorConfig{
		Hub:      hub,
		Patterns: leasedPatterns,
		TTL:      appConfig.LockTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry, err := server.NewCanvasRegistry(server.CanvasRegistryConfig{
		Documents: documents,
		Canvas:    viewport.Size{Width: appConfig.CanvasWidth, Height: appConfig.CanvasHeight},
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
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

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Users:          userService,
		Canvases:       registry,
		Hub:            hub,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go janitor.Run(signalCtx, appConfig.JanitorSweepPeriod)

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
