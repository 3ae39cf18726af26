package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"

	cfg "github.com/quayside/tokenized-estate/backend/config"
	"github.com/quayside/tokenized-estate/backend/internal/audit"
	"github.com/quayside/tokenized-estate/backend/internal/clock"
	"github.com/quayside/tokenized-estate/backend/internal/handlers"
	"github.com/quayside/tokenized-estate/backend/internal/ledger"
	"github.com/quayside/tokenized-estate/backend/internal/matcher"
	"github.com/quayside/tokenized-estate/backend/internal/usecases"
	"github.com/quayside/tokenized-estate/backend/internal/usecases/repository"
	"github.com/quayside/tokenized-estate/backend/internal/workers"
	"github.com/quayside/tokenized-estate/backend/pkg/database"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// Server timeout constants.
const (
	readTimeoutSeconds     = 15
	writeTimeoutSeconds    = 15
	idleTimeoutSeconds     = 60
	shutdownTimeoutSeconds = 5
)

func main() {
	time.Local = time.UTC

	// Parse configuration
	config, err := cfg.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	// Setup logging
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if config.App.Debug {
		opts.Level = slog.LevelDebug
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stdout, opts))
	logger.Info("Starting application with configuration",
		"debug", config.App.Debug,
		"mirror_url", config.Ledger.MirrorURL,
		"treasury_account", config.Ledger.TreasuryAccount,
		"server_port", config.HTTP.Port,
		"poll_interval", config.Reconciler.PollInterval)

	// Connect to Database
	pg, err := database.New(config,
		database.MaxPoolSize(config.DB.PoolMax),
		database.ConnTimeout(config.DB.ConnectTimeout),
		database.HealthCheckPeriod(config.DB.HealthCheckPeriod),
		database.Isolation(pgx.ReadCommitted),
	)
	if err != nil {
		logger.Error("postgres connection failed", slog.String("error", err.Error()))
		return
	}
	defer pg.Close()

	// Run database migrations
	migrationsPath := resolveMigrationsPath()
	logger.Info("Running database migrations", "path", migrationsPath)
	if err = database.RunMigrations(logger, config.DB.DatabaseURL, migrationsPath); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		log.Fatal(err)
	}

	// Create repositories
	ordersRepository := repository.NewOrdersRepository(logger, pg)
	propertiesRepository := repository.NewPropertiesRepository(logger, pg)
	paymentsRepository := repository.NewPaymentsRepository(logger, pg)
	cursorsRepository := repository.NewCursorsRepository(logger, pg)

	// External ledger collaborators
	requestTimeout := time.Duration(config.Ledger.RequestTimeout) * time.Second
	mirrorClient := ledger.NewMirrorClient(logger, config.Ledger.MirrorURL, requestTimeout, config.Ledger.PageLimit)
	mintClient := ledger.NewMintClient(logger, config.Ledger.TokenServiceURL, requestTimeout)

	auditRecorder := audit.NewRecorder(logger, pg)
	systemClock := clock.NewSystem()

	policy := matcher.Policy{
		PaymentTokenID:    config.Ledger.PaymentTokenID,
		AcceptOverpayment: config.Reconciler.AcceptOverpayment,
		VerifySender:      config.Reconciler.VerifySender,
	}

	// WebSocket manager doubles as the order-status notifier.
	websocketManager := handlers.NewWebSocketManager(logger)

	// Create services
	settlementService := usecases.NewSettlementService(
		logger,
		ordersRepository,
		paymentsRepository,
		mintClient,
		auditRecorder,
		websocketManager,
		systemClock,
		config.Reconciler.MintMaxAttempts,
	)

	orderService := usecases.NewOrderService(usecases.OrderServiceParams{
		Logger:               logger,
		Store:                ordersRepository,
		Ledger:               mirrorClient,
		Settler:              settlementService,
		Audit:                auditRecorder,
		Notifier:             websocketManager,
		Clock:                systemClock,
		TreasuryAccount:      config.Ledger.TreasuryAccount,
		PaymentTokenID:       config.Ledger.PaymentTokenID,
		PaymentTokenDecimals: config.Ledger.PaymentTokenDecimals,
		Policy:               policy,
	})

	propertyService := usecases.NewPropertyService(logger, propertiesRepository, mintClient)

	// Initialize and run the reconciliation worker
	reconciler := workers.NewReconciler(
		logger,
		workers.Options{
			TreasuryAccount:   config.Ledger.TreasuryAccount,
			PaymentTokenID:    config.Ledger.PaymentTokenID,
			PollInterval:      time.Duration(config.Reconciler.PollInterval) * time.Second,
			MinOrderAge:       time.Duration(config.Reconciler.MinOrderAge) * time.Second,
			ExpiryThreshold:   time.Duration(config.Reconciler.ExpiryThreshold) * time.Hour,
			MintRetryInterval: time.Duration(config.Reconciler.MintRetryInterval) * time.Second,
			MintMaxAttempts:   config.Reconciler.MintMaxAttempts,
			Policy:            policy,
		},
		ordersRepository,
		cursorsRepository,
		paymentsRepository,
		mirrorClient,
		settlementService,
		auditRecorder,
		websocketManager,
		systemClock,
	)

	go func() {
		logger.Info("Starting reconciliation worker")
		reconciler.Start(ctx)
	}()

	// Create handlers
	httpHandler := handlers.NewHTTPHandler(logger, orderService, propertyService, paymentsRepository, mirrorClient, config.Ledger.TreasuryAccount)
	wsHandler := handlers.NewWebSocketHandler(logger, orderService, websocketManager)

	// Create router
	router := mux.NewRouter()

	// Register WebSocket routes before HTTP routes
	wsHandler.RegisterRoutes(router)
	httpHandler.RegisterRoutes(router)

	// Configure CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	// Wrap router in CORS middleware
	handler := c.Handler(router)

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         ":" + config.HTTP.Port,
		Handler:      handler,
		ReadTimeout:  readTimeoutSeconds * time.Second,
		WriteTimeout: writeTimeoutSeconds * time.Second,
		IdleTimeout:  idleTimeoutSeconds * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting server", "address", server.Addr)
		if err = server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			log.Fatal(err)
		}
	}()

	// Set up graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Stop the reconciliation worker first so no cycle is in flight during
	// connection teardown.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
	defer shutdownCancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return
	}

	logger.Info("Server exited properly")
}

// resolveMigrationsPath tries the working directory first, then one level up
// (useful when running from cmd/reconciler).
func resolveMigrationsPath() string {
	migrationsPath := "./migrations"
	if workDir, err := os.Getwd(); err == nil {
		if _, err = os.Stat(filepath.Join(workDir, "migrations")); !os.IsNotExist(err) {
			migrationsPath = filepath.Join(workDir, "migrations")
		} else if _, err = os.Stat(filepath.Join(workDir, "..", "migrations")); !os.IsNotExist(err) {
			migrationsPath = filepath.Join(workDir, "..", "migrations")
		}
	}

	return migrationsPath
}
