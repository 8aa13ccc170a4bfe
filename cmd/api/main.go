package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dan9191/ledger-service/internal/auth"
	"github.com/Dan9191/ledger-service/internal/config"
	"github.com/Dan9191/ledger-service/internal/handler"
	"github.com/Dan9191/ledger-service/internal/ledger"
	"github.com/Dan9191/ledger-service/internal/middleware"
	"github.com/Dan9191/ledger-service/internal/notify"
	"github.com/Dan9191/ledger-service/internal/repository"
	"github.com/Dan9191/ledger-service/internal/service"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// store is what every backend provides
type store interface {
	ledger.Store
	service.UserStore
}

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Initialize storage
	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to open %s store: %v", cfg.StoreDriver, err)
	}
	defer closeStore()

	// Initialize layers
	engine := ledger.NewEngine(st, logger,
		ledger.WithRetry(cfg.TransferMaxAttempts, cfg.TransferRetryBase),
		ledger.WithAttemptTimeout(cfg.StoreTimeout),
	)
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL)

	var notifier notify.Notifier
	if cfg.SMTPEnabled() {
		notifier = notify.NewSender(cfg, logger)
	} else {
		logger.Info("SMTP not configured, transfer notifications disabled")
	}

	seed := service.ZeroSeed
	if cfg.SignupSeed == config.SeedRandom {
		seed = service.RandomSeed(cfg.SignupSeedMax)
	}
	svc := service.NewService(st, engine, tokens, notifier, seed, logger)
	h := handler.NewHandler(svc, logger)

	// Conservation audit
	if cfg.AuditSchedule != "" {
		auditor := ledger.NewAuditor(st, engine, logger)
		scheduler, err := auditor.Schedule(cfg.AuditSchedule, cfg.StoreTimeout)
		if err != nil {
			closeStore()
			logger.Fatalf("Failed to schedule audit: %v", err)
		}
		defer scheduler.Stop()
		logger.Infof("Ledger audit scheduled: %s", cfg.AuditSchedule)
	}

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      h.Router(middleware.AuthMiddleware(tokens, logger)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Infof("Received %s, shutting down", sig)
	case err := <-errCh:
		logger.Errorf("Server failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Graceful shutdown failed: %v", err)
	}
}

// openStore connects the configured backend and returns it with its cleanup
func openStore(cfg *config.Config, logger *logrus.Logger) (store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.DBConn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		if err := repository.Migrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		closeDB := func() {
			if err := db.Close(); err != nil {
				logger.Errorf("Failed to close database: %v", err)
			}
		}
		return repository.NewRepository(db, cfg.StoreTimeout), closeDB, nil

	case config.DriverMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m, err := repository.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		closeMongo := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.Close(ctx); err != nil {
				logger.Errorf("Failed to disconnect mongo: %v", err)
			}
		}
		return m, closeMongo, nil

	default:
		logger.Warn("Using in-memory store, balances are lost on restart")
		return repository.NewMemory(), func() {}, nil
	}
}
