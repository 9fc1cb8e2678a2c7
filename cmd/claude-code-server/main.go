package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
	"github.com/csdwd/claude-code-server/internal/executor"
	"github.com/csdwd/claude-code-server/internal/scheduler"
	"github.com/csdwd/claude-code-server/internal/server"
	"github.com/csdwd/claude-code-server/internal/session"
	"github.com/csdwd/claude-code-server/internal/stats"
	"github.com/csdwd/claude-code-server/internal/task"
	"github.com/csdwd/claude-code-server/internal/webhook"
)

const cleanupInterval = 1 * time.Hour

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting Claude Code Server...")

	if cfg.PIDFile != "" {
		if err := os.WriteFile(cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			log.Fatal("failed to write pid file", zap.Error(err))
		}
		defer os.Remove(cfg.PIDFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the persistent stores
	taskStore, err := task.NewStore(cfg.Storage.DataDir, log)
	if err != nil {
		log.Fatal("failed to open task store", zap.Error(err))
	}
	sessionStore, err := session.NewStore(cfg.Storage.DataDir, log)
	if err != nil {
		log.Fatal("failed to open session store", zap.Error(err))
	}

	var statsStore *stats.Store
	if cfg.Statistics.Enabled {
		statsStore, err = stats.NewStore(cfg.Storage.DataDir, cfg.Statistics.RetentionDays, log)
		if err != nil {
			log.Fatal("failed to open statistics store", zap.Error(err))
		}
	}

	// 4. Connect the event bus: NATS when configured, in-memory otherwise
	var bus events.EventBus
	if cfg.NATS.URL != "" {
		bus, err = events.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
	} else {
		bus = events.NewMemoryEventBus(log)
	}
	defer bus.Close()

	// 5. Executor client and webhook dispatcher
	execClient := executor.NewClient(cfg.Executor, log)

	dispatcher := webhook.NewDispatcher(cfg.Webhook, log)
	if err := dispatcher.SubscribeBus(bus); err != nil {
		log.Fatal("failed to attach webhook dispatcher", zap.Error(err))
	}

	// 6. Session manager and task scheduler
	sessionMgr := session.NewManager(sessionStore, execClient, bus, statsStore, log)

	sched := scheduler.New(taskStore, sessionStore, statsStore, execClient, bus, log, scheduler.Config{
		Concurrency:    cfg.TaskQueue.Concurrency,
		PollInterval:   cfg.TaskQueue.PollIntervalDuration(),
		DefaultTimeout: cfg.TaskQueue.DefaultTimeoutDuration(),
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}

	if statsStore != nil {
		statsStore.StartCollector(cfg.Statistics.CollectionIntervalDuration())
	}

	// 7. Retention cleanup loop
	go runCleanup(ctx, cfg, taskStore, sessionMgr, log)

	// 8. HTTP server
	handler := server.NewHandler(sched, sessionMgr, taskStore, statsStore, execClient, dispatcher, bus, cfg.Executor, log)
	feed := server.NewEventFeed(bus, log)
	router := server.NewRouter(handler, feed, cfg, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down Claude Code Server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := sched.Stop(); err != nil {
		log.Error("scheduler stop error", zap.Error(err))
	}
	if statsStore != nil {
		statsStore.StopCollector()
	}
	dispatcher.Wait()

	log.Info("Claude Code Server stopped")
}

// runCleanup purges expired tasks and sessions on a fixed interval.
func runCleanup(ctx context.Context, cfg *config.Config, tasks *task.Store, sessions *session.Manager, log *logger.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := tasks.Cleanup(ctx, cfg.TaskQueue.RetentionDays); err != nil {
				log.Error("task cleanup failed", zap.Error(err))
			} else if n > 0 {
				log.Info("task cleanup completed", zap.Int("deleted", n))
			}

			if n, err := sessions.CleanupExpired(ctx, cfg.Session.RetentionDays); err != nil {
				log.Error("session cleanup failed", zap.Error(err))
			} else if n > 0 {
				log.Info("session cleanup completed", zap.Int("deleted", n))
			}
		}
	}
}
