// ticketd is the orchestration daemon: it drains ticket queues with a fleet
// of coding-agent subprocesses, one serial worker per project.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ticketd/ticketd/internal/agent"
	"github.com/ticketd/ticketd/internal/backup"
	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/events/bus"
	"github.com/ticketd/ticketd/internal/notify"
	"github.com/ticketd/ticketd/internal/scheduler"
	"github.com/ticketd/ticketd/internal/smartctx"
	"github.com/ticketd/ticketd/internal/store"
	"github.com/ticketd/ticketd/internal/streaming"
	"github.com/ticketd/ticketd/internal/tracing"
	"github.com/ticketd/ticketd/internal/watchdog"
	"github.com/ticketd/ticketd/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ticketd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	st, err := store.New(cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	eventBus, err := bus.New(bus.NATSConfig{
		URL:           cfg.NATS.URL,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: 2,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to connect event bus: %w", err)
	}
	defer eventBus.Close()

	telegram := notify.NewTelegramClient(cfg.Telegram, log)
	email := notify.NewEmailSender(cfg.SMTP, log)
	notifier := notify.NewNotifier(cfg.Notifications, telegram, email, log)

	aux := agent.NewAuxModel(cfg.Agent, log)
	builder := smartctx.NewBuilder(st, aux, cfg.Context, log)
	backupSvc := backup.NewService(cfg.Backup, log)
	runner := agent.NewCLIRunner(cfg.Agent, log)

	deps := worker.Deps{
		Store:     st,
		Bus:       eventBus,
		Runner:    runner,
		Builder:   builder,
		Backup:    backupSvc,
		Notifier:  notifier,
		Scheduler: cfg.Scheduler,
		Agent:     cfg.Agent,
		Logger:    log,
	}

	wd := watchdog.New(cfg.Watchdog, st, aux, eventBus, notifier, log)
	inbound := notify.NewInboundPoller(cfg.Telegram, st, telegram, aux, log)
	sched := scheduler.New(cfg.Scheduler, st, eventBus, wd, inbound, deps, log)

	hub := streaming.NewHub(log)
	if err := hub.Bridge(eventBus); err != nil {
		return fmt.Errorf("failed to bridge event bus: %w", err)
	}
	server := streaming.NewServer(cfg.Server, hub, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("ticketd starting",
		zap.String("db", cfg.Database.Path),
		zap.Int("max_parallel_projects", cfg.Scheduler.MaxParallelProjects))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sched.Run(groupCtx) })
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})
	group.Go(server.ListenAndServe)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := tracing.Shutdown(shutdownCtx); terr != nil {
		log.WithError(terr).Warn("Tracing shutdown failed")
	}

	if err != nil && err != context.Canceled {
		return err
	}
	log.Info("ticketd stopped")
	return nil
}
