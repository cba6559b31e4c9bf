package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftboardhq/driftboard/internal/board"
	"github.com/driftboardhq/driftboard/internal/config"
	"github.com/driftboardhq/driftboard/internal/database"
	"github.com/driftboardhq/driftboard/internal/editlock"
	"github.com/driftboardhq/driftboard/internal/joinsession"
	"github.com/driftboardhq/driftboard/internal/logging"
	"github.com/driftboardhq/driftboard/internal/server"
	"github.com/driftboardhq/driftboard/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftboard-api",
		Short: "Driftboard shared-board backend service",
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
	cmd.PersistentFlags().Int("ticket-ttl-minutes", defaults.GetInt("join.ticket_ttl_minutes"), "Join ticket TTL in minutes")
	cmd.PersistentFlags().Int("lock-sweep-seconds", defaults.GetInt("lock.sweep_interval_seconds"), "Expired edit lock sweep interval in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("join-signing-secret", "", "Join ticket signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "join.ticket_ttl_minutes", "ticket-ttl-minutes")
	bindFlag(cmd, "lock.sweep_interval_seconds", "lock-sweep-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "join.signing_secret", "join-signing-secret")
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

	hub := server.NewHub()

	ticketIssuer, err := joinsession.NewIssuer(joinsession.IssuerConfig{
		SigningSecret: []byte(appConfig.JoinSigningSecret),
		Issuer:        "driftboard-api",
		TicketTTL:     appConfig.JoinTicketTTL,
		IDProvider:    board.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	cardService, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: board.NewUUIDProvider(),
		Publisher:  hub,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		CardService:  cardService,
		TicketIssuer: ticketIssuer,
		Hub:          hub,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	lockSweeper, err := editlock.NewCoordinator(editlock.CoordinatorConfig{
		Store:  cardService,
		Logger: logger,
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

	go lockSweeper.RunSweeper(signalCtx, appConfig.LockSweepInterval)

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
