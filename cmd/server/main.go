/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Essence Engine server. Handles configuration,
  dependency injection, background jobs, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse environment config, then command-line flag overrides
  2. Initialize SQLite store
  3. Create API handler with dependencies
  4. Start the expiry sweeper and accrual checkpoint jobs
  5. Start server with graceful shutdown

CONFIGURATION (environment, flags override):
  PORT                 HTTP server port (default: 8080)
  DB_PATH              SQLite database path (default: essence.db)
                       Use ":memory:" for in-memory database
  LOG_LEVEL            logrus level (default: info)
  LOG_JSON             JSON log output (default: false)
  SWEEP_INTERVAL       Expired-listing sweep interval (default: 10m)
  CHECKPOINT_INTERVAL  Accrual checkpoint interval (default: 1h)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop background jobs
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/essence.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  PORT=3000 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/checkpoint.go: Accrual checkpoint job
  - market/sweeper.go: Listing expiry job
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"

	"github.com/cogforge/essence-engine/api"
	"github.com/cogforge/essence-engine/market"
	"github.com/cogforge/essence-engine/store/sqlite"
)

type config struct {
	Port               int           `env:"PORT" envDefault:"8080"`
	DBPath             string        `env:"DB_PATH" envDefault:"essence.db"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON            bool          `env:"LOG_JSON" envDefault:"false"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`
	CheckpointInterval time.Duration `env:"CHECKPOINT_INTERVAL" envDefault:"1h"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse environment: %v\n", err)
		os.Exit(1)
	}

	// Flags override environment for local development.
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	log := logrus.New()
	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Initialize handler
	handler := api.NewHandler(store, log)

	// Background jobs
	sweeper := market.NewSweeper(handler.Escrow, log)
	sweeper.Interval = cfg.SweepInterval
	sweeper.Start()
	defer sweeper.Stop()

	checkpointer := api.NewCheckpointer(store, log)
	checkpointer.CheckInterval = cfg.CheckpointInterval
	checkpointer.Start()
	defer checkpointer.Stop()

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("port", *port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server stopped")
}
