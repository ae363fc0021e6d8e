package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/slack-go/slack"
	"gorm.io/gorm/logger"

	"github.com/planora/planora/internal/compat"
	"github.com/planora/planora/internal/config"
	"github.com/planora/planora/internal/database"
	"github.com/planora/planora/internal/jobs"
	"github.com/planora/planora/internal/notify"
	"github.com/planora/planora/internal/services"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Planora repair core...")

	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	if err := database.InitializeDefaults(); err != nil {
		log.Fatalf("Failed to initialize database defaults: %v", err)
	}

	db := database.GetDB()

	// Notification sink, with an optional Slack mirror
	var notifier *notify.Notifier
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		client := slack.New(cfg.SlackBotToken)
		notifier = notify.NewSlackNotifier(db, client, cfg.SlackChannel)
		log.Printf("Slack notification mirror enabled for channel %s", cfg.SlackChannel)
	} else {
		notifier = notify.NewNotifier(db)
		log.Printf("Slack notification mirror disabled")
	}

	checker := compat.NewChecker()
	lockTTL := time.Duration(cfg.LockTTLMinutes) * time.Minute

	engine := services.NewRepairEngine(db, checker, cfg.Scoring)
	tracker := services.NewDependencyTracker(db, checker, notifier, lockTTL)
	orchestrator := services.NewRepairOrchestrator(db, engine, tracker, notifier)
	log.Printf("Repair services initialized (lock TTL: %s)", lockTTL)

	stop := make(chan struct{})

	// Background janitor so expired locks never block an event forever
	janitor := jobs.NewLockJanitor(db)
	go janitor.Start(time.Duration(cfg.JanitorIntervalMinutes)*time.Minute, stop)
	log.Printf("Lock janitor running every %d minutes", cfg.JanitorIntervalMinutes)

	// Pick up conflict reports written by the analyzer and run repair cycles
	monitor := jobs.NewRepairMonitor(db, orchestrator)
	go monitor.Start(time.Duration(cfg.MonitorIntervalSeconds)*time.Second, stop)
	log.Printf("Repair monitor running every %d seconds", cfg.MonitorIntervalSeconds)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")
	close(stop)
	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
	log.Println("Shutdown complete")
}
