package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/xiaot623/gogo/runstream/internal/config"
	"github.com/xiaot623/gogo/runstream/internal/executor"
	"github.com/xiaot623/gogo/runstream/internal/hub"
	"github.com/xiaot623/gogo/runstream/internal/policy"
	"github.com/xiaot623/gogo/runstream/internal/repository"
	"github.com/xiaot623/gogo/runstream/internal/service"
	transporthttp "github.com/xiaot623/gogo/runstream/internal/transport/http"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log.SetLevel(logLevel(cfg.LogLevel))
	log.SetHeader("${time_rfc3339} ${level} ${short_file}:${line}")

	log.Infof("Starting runstream...")
	log.Infof("HTTP Port: %d", cfg.HTTPPort)
	log.Infof("Database: %s", cfg.DatabaseURL)
	log.Infof("Environment: %s", cfg.Environment)
	if cfg.TestMode() {
		log.Warnf("RUN_MODE=%s: failure injection is enabled", cfg.RunMode)
	}

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize executors
	registry := executor.NewRegistry()
	registry.MustRegister("echo", &executor.Echo{Environment: cfg.Environment})
	if cfg.ExecutorsFile != "" {
		catalogue, err := executor.LoadCatalogue(cfg.ExecutorsFile)
		if err != nil {
			log.Fatalf("Failed to load executor catalogue: %v", err)
		}
		if err := catalogue.RegisterAll(registry); err != nil {
			log.Fatalf("Failed to register executors: %v", err)
		}
	}
	log.Infof("Executors: %s", strings.Join(registry.Names(), ", "))

	// Initialize policy engine
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	policyEngine, err := policy.LoadEngine(ctx, cfg.PolicyFile)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize watch hub
	watchHub := hub.NewHub()
	go watchHub.Run(ctx)

	// Initialize service and server
	svc := service.New(db, registry, policyEngine, watchHub, cfg)
	server := transporthttp.NewServer(svc, watchHub, hub.PumpConfig{
		PingInterval: cfg.WSPingInterval,
		WriteTimeout: cfg.WSWriteTimeout,
		ReadTimeout:  cfg.WSReadTimeout,
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Infof("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down runstream...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Failed to shutdown server gracefully: %v", err)
	}

	// Runs are detached from their requests; let them record their outcome.
	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warnf("Runs still in flight at shutdown")
	}

	log.Info("Runstream stopped")
}

func logLevel(name string) log.Lvl {
	switch strings.ToLower(name) {
	case "debug":
		return log.DEBUG
	case "warn", "warning":
		return log.WARN
	case "error":
		return log.ERROR
	case "off":
		return log.OFF
	default:
		return log.INFO
	}
}
