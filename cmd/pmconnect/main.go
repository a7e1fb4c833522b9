// Package main provides the pmconnect binary entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/c.mueller/pm-connect/internal/api"
	"github.com/c.mueller/pm-connect/internal/cluster"
	"github.com/c.mueller/pm-connect/internal/config"
	"github.com/c.mueller/pm-connect/internal/database"
	"github.com/c.mueller/pm-connect/internal/events"
	"github.com/c.mueller/pm-connect/internal/metrics"
	"github.com/c.mueller/pm-connect/internal/pmconnect"
	"github.com/c.mueller/pm-connect/internal/registry"
	"github.com/c.mueller/pm-connect/internal/telegram"
	"github.com/c.mueller/pm-connect/internal/webhooks"
	"github.com/c.mueller/pm-connect/internal/worker"
)

const (
	Version = "1.0.0"
	appName = "pmconnect"
)

// slogWriter adapts slog to io.Writer interface for standard log package
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	w.logger.Info(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// flags override values of the config file
type flags struct {
	configPath string
	port       int
	dbPath     string
	nodeName   string
	serfAddr   string
	logLevel   string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var f flags

	serve := func(cmd *cobra.Command, args []string) error {
		return run(f)
	}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Dispatch PM tool tasks to field workers on Telegram",
		Long: `PM Connect receives task webhooks from project management tools,
delivers each task to the assigned field worker through a Telegram bot and
tracks its status and location until it is completed.`,
		SilenceUsage: true,
		RunE:         serve,
	}

	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "Path to configuration file (YAML)")
	cmd.PersistentFlags().IntVar(&f.port, "port", 0, "HTTP server port (overrides config)")
	cmd.PersistentFlags().StringVar(&f.dbPath, "db", "", "Database file path (overrides config)")
	cmd.PersistentFlags().StringVar(&f.nodeName, "node-name", "", "Node name (overrides config)")
	cmd.PersistentFlags().StringVar(&f.serfAddr, "serf-addr", "", "Serf bind address (overrides config)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the Telegram bot",
		RunE:  serve,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func loadConfig(f flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		log.Printf("Loading configuration from %s", f.configPath)
		var err error
		cfg, err = config.LoadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
	}

	if f.port != 0 {
		cfg.Node.HTTP.Port = f.port
	}
	if f.dbPath != "" {
		cfg.Node.Database.Path = f.dbPath
	}
	if f.nodeName != "" {
		cfg.Node.Name = f.nodeName
	}
	if f.serfAddr != "" {
		cfg.Node.Serf.BindAddr = f.serfAddr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Telegram.Token == "" {
		cfg.Telegram.Token = token
		if f.configPath == "" {
			cfg.Telegram.Mode = config.TelegramPolling
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	// Setup logger with configured level
	logLevel := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	log.SetFlags(0)
	log.SetOutput(&slogWriter{logger: logger})

	slog.Info("Starting pmconnect", "version", Version, "log_level", cfg.LogLevel, "node", cfg.Node.Name)

	// Initialize database
	log.Printf("Initializing database at %s", cfg.Node.Database.Path)
	db, err := database.New(cfg.Node.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	m := metrics.New()

	// Outbound webhooks
	var webhookStore webhooks.Store = db
	if cfg.Webhooks.Store == config.StoreMemory {
		webhookStore = webhooks.NewMemoryStore()
	}
	sender := webhooks.New(webhookStore, webhooks.Options{
		Timeout:     config.Seconds(cfg.Webhooks.Timeout),
		MaxFailures: cfg.Webhooks.MaxFailures,
		LogSize:     cfg.Webhooks.DeliveryLogSize,
	}, m, logger.With("component", "webhooks"))

	// Domain events go to company webhooks and optionally to NATS
	publishers := events.Fanout{events.Webhooks(sender)}
	if cfg.NATS.URL != "" {
		conn, err := events.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer conn.Drain()
		publishers = append(publishers, events.NewNATSPublisher(conn, cfg.NATS.SubjectPrefix, logger))
		log.Printf("Publishing events to NATS at %s", cfg.NATS.URL)
	}

	// Telegram bot
	var messenger pmconnect.Messenger
	var bot *telegram.Client
	if cfg.Telegram.Mode != config.TelegramDisabled {
		bot = telegram.NewClient(cfg.Telegram.Token, cfg.Telegram.APIURL)
		messenger = bot
	} else {
		log.Printf("Telegram bot disabled, task delivery is deferred")
	}

	service := pmconnect.New(db, messenger, publishers, m, logger.With("component", "pmconnect"), pmconnect.Options{
		HistoryLimit:  cfg.Tracking.HistoryLimit,
		PublicBaseURL: cfg.PublicBaseURL,
		SendTimeout:   config.Seconds(cfg.Telegram.SendTimeout),
	})

	var poller *telegram.Poller
	switch cfg.Telegram.Mode {
	case config.TelegramPolling:
		ctx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Telegram.SendTimeout))
		err := bot.DeleteWebhook(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to remove bot webhook: %w", err)
		}
		poller = telegram.NewPoller(bot, service.HandleUpdate,
			config.Seconds(cfg.Telegram.PollTimeout), logger.With("component", "telegram"))
		poller.Start()
		defer poller.Stop()
	case config.TelegramWebhook:
		url := strings.TrimSuffix(cfg.PublicBaseURL, "/") + "/telegram/webhook"
		ctx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.Telegram.SendTimeout))
		err := bot.SetWebhook(ctx, url, cfg.Telegram.WebhookSecret)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to register bot webhook: %w", err)
		}
		log.Printf("Receiving bot updates at %s", url)
	}

	// Retry deliveries that failed while Telegram was unreachable
	var redelivery *worker.Worker
	if messenger != nil && cfg.Telegram.RetryInterval > 0 {
		redelivery = worker.New(service, config.Seconds(cfg.Telegram.RetryInterval), 50)
		redelivery.Start()
		defer redelivery.Stop()
	}

	// Initialize cluster
	var clusterInstance *cluster.Cluster
	deps := api.Deps{
		Registry:     registry.New(db, logger.With("component", "registry")),
		Service:      service,
		Tasks:        db,
		Webhooks:     sender,
		DB:           db,
		BotSecret:    cfg.Telegram.WebhookSecret,
		Version:      Version,
		TelegramMode: cfg.Telegram.Mode,
		Logger:       logger,
	}
	if cfg.Telegram.Mode == config.TelegramWebhook {
		deps.Bot = service.HandleUpdate
	}
	if cfg.Cluster.Enabled {
		log.Printf("Initializing cluster (node: %s, serf: %s)", cfg.Node.Name, cfg.Node.Serf.BindAddr)
		clusterInstance, err = cluster.New(cluster.Options{
			NodeName:      cfg.Node.Name,
			BindAddr:      cfg.Node.Serf.BindAddr,
			AdvertiseAddr: cfg.Node.Serf.AdvertiseAddr,
			EncryptKey:    cfg.Cluster.EncryptKey,
		}, sender)
		if err != nil {
			return fmt.Errorf("failed to initialize cluster: %w", err)
		}
		defer clusterInstance.Stop()

		if err := clusterInstance.Start(cfg.Cluster.Seeds, config.Seconds(cfg.Cluster.JoinTimeout)); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
		sender.SetReplicator(clusterInstance)
		deps.Cluster = clusterInstance
	}

	// Create Chi router
	router := chi.NewMux()
	router.Handle("/metrics", m.Handler())

	// Create Huma API
	humaAPI := humachi.New(router, huma.DefaultConfig("PM Connect API", Version))

	apiServer := api.NewServer(deps)
	apiServer.RegisterRoutes(humaAPI)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Node.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.Node.HTTP.Port)
		log.Printf("API documentation available at http://localhost:%d/docs", cfg.Node.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Println("Shutting down server...")

	// Stop taking bot updates first
	if poller != nil {
		poller.Stop()
	}
	if redelivery != nil {
		redelivery.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Let background webhooks finish
	service.Wait()
	sender.Wait()

	if clusterInstance != nil {
		if err := clusterInstance.Stop(); err != nil {
			log.Printf("Error stopping cluster: %v", err)
		}
	}

	log.Println("Server exited")
	return nil
}
