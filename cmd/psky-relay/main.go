package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/psky-social/relay/internal/config"
	"github.com/psky-social/relay/internal/database"
	"github.com/psky-social/relay/internal/firehose"
	"github.com/psky-social/relay/internal/hub"
	"github.com/psky-social/relay/internal/identity"
	"github.com/psky-social/relay/internal/logging"
	"github.com/psky-social/relay/internal/mirror"
	"github.com/psky-social/relay/internal/relay"
	"github.com/psky-social/relay/internal/server"
	"github.com/psky-social/relay/internal/store"
	"github.com/psky-social/relay/internal/validate"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "psky-relay",
		Short: "Jetstream relay for social.psky records",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newCursorCommand())

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
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error, development)")
	flags.String("jetstream-endpoint", defaults.GetString("jetstream.endpoint"), "Jetstream subscribe endpoint")
	flags.String("checkpoint-backend", defaults.GetString("checkpoint.backend"), "Checkpoint backend (file, database)")
	flags.String("checkpoint-path", defaults.GetString("checkpoint.path"), "Checkpoint file path for the file backend")
	flags.Duration("checkpoint-interval", defaults.GetDuration("checkpoint.interval"), "Checkpoint flush interval")
	flags.String("plc-url", defaults.GetString("identity.plc_url"), "PLC directory base URL")
	flags.String("nats-url", defaults.GetString("nats.url"), "NATS URL for the envelope mirror (empty disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "jetstream.endpoint", "jetstream-endpoint")
	bindFlag(cmd, "checkpoint.backend", "checkpoint-backend")
	bindFlag(cmd, "checkpoint.path", "checkpoint-path")
	bindFlag(cmd, "checkpoint.interval", "checkpoint-interval")
	bindFlag(cmd, "identity.plc_url", "plc-url")
	bindFlag(cmd, "nats.url", "nats-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

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

func runRelay(ctx context.Context) error {
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

	storeService, err := store.NewService(store.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logging.Component(logger, "store"),
	})
	if err != nil {
		return err
	}

	resolver, err := identity.NewResolver(identity.ResolverConfig{
		Store:   storeService,
		PLCURL:  appConfig.PLCURL,
		Timeout: appConfig.IdentityTimeout,
		Logger:  logging.Component(logger, "identity"),
	})
	if err != nil {
		return err
	}

	var sink hub.Sink
	if appConfig.NATSURL != "" {
		publisher, err := mirror.Connect(mirror.Config{
			URL:           appConfig.NATSURL,
			SubjectPrefix: appConfig.NATSSubjectPrefix,
			Logger:        logging.Component(logger, "mirror"),
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		sink = publisher
	}

	relayHub := hub.New(hub.Config{
		BufferSize: appConfig.HubBufferSize,
		Mirror:     sink,
		Logger:     logging.Component(logger, "hub"),
	})

	stream, err := firehose.NewClient(firehose.ClientConfig{
		Endpoint:          appConfig.JetstreamEndpoint,
		WantedCollections: appConfig.JetstreamCollections,
		Logger:            logging.Component(logger, "firehose"),
	})
	if err != nil {
		return err
	}

	checkpoints, err := openCheckpointStore(appConfig, db)
	if err != nil {
		return err
	}

	consumer, err := relay.New(relay.Config{
		Store:     storeService,
		Accounts:  resolver,
		Publisher: relayHub,
		Kinds: []relay.ContentKind{
			relay.ChatMessageKind(validate.Limits{Graphemes: appConfig.MessageGraphemeLimit, Chars: appConfig.MessageCharLimit}),
			relay.FeedPostKind(validate.Limits{Graphemes: appConfig.PostGraphemeLimit, Chars: appConfig.PostCharLimit}),
		},
		Stream:             stream,
		Checkpoints:        checkpoints,
		CheckpointInterval: appConfig.CheckpointInterval,
		Logger:             logging.Component(logger, "relay"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:                relayHub,
		Messages:           storeService,
		RateLimitPerMinute: appConfig.RateLimitPerMinute,
		RateLimitExempt:    appConfig.RateLimitExempt,
		Logger:             logging.Component(logger, "http"),
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return consumer.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		relayHub.Close()
		return err
	})

	if err := group.Wait(); err != nil {
		logger.Error("relay stopped with error", zap.Error(err))
		return err
	}
	logger.Info("relay stopped")
	return nil
}
