// Package scheduler is the top-level daemon loop: it discovers projects
// with claimable tickets, caps parallelism, spawns and reaps workers, and
// runs startup recovery.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/events"
	"github.com/ticketd/ticketd/internal/events/bus"
	"github.com/ticketd/ticketd/internal/notify"
	"github.com/ticketd/ticketd/internal/store"
	"github.com/ticketd/ticketd/internal/watchdog"
	"github.com/ticketd/ticketd/internal/worker"
)

// Scheduler owns the worker fleet and the auxiliary loops.
type Scheduler struct {
	cfg       config.SchedulerConfig
	store     *store.Store
	bus       bus.EventBus
	watchdog  *watchdog.Watchdog
	inbound   *notify.InboundPoller
	workerDep worker.Deps
	logger    *logger.Logger

	// mu guards workers only; no I/O happens while it is held.
	mu      sync.Mutex
	workers map[string]*workerHandle
}

type workerHandle struct {
	project *store.Project
	done    chan struct{}
}

// New assembles the scheduler.
func New(cfg config.SchedulerConfig, st *store.Store, eventBus bus.EventBus, wd *watchdog.Watchdog, inbound *notify.InboundPoller, workerDep worker.Deps, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		bus:       eventBus,
		watchdog:  wd,
		inbound:   inbound,
		workerDep: workerDep,
		logger:    log.WithFields(zap.String("component", "scheduler")),
		workers:   make(map[string]*workerHandle),
	}
}

// Run starts the daemon: pid file, recovery, auxiliary loops, then the main
// polling loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := WritePIDFile(s.cfg.PIDFile); err != nil {
		return err
	}
	defer RemovePIDFile(s.cfg.PIDFile)

	if err := store.WithRetry(ctx, s.store.RecoverStartup); err != nil {
		return err
	}
	s.logger.Info("Recovery complete")
	s.daemonLog(ctx, "info", "startup recovery complete")

	group, groupCtx := errgroup.WithContext(ctx)
	if s.watchdog != nil {
		group.Go(func() error { return s.watchdog.Run(groupCtx) })
	}
	if s.inbound != nil {
		group.Go(func() error { return s.inbound.Run(groupCtx) })
	}
	group.Go(func() error {
		s.loop(groupCtx)
		return nil
	})

	err := group.Wait()
	s.joinWorkers()
	s.logger.Info("Scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollIntervalDuration())
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick is one pass of the main loop: reap, reset orphans, auto-close
// expired reviews, spawn workers for eligible projects.
func (s *Scheduler) tick(ctx context.Context) {
	live := s.reap()

	if n, err := s.store.ResetOrphaned(ctx, live); err != nil {
		s.logger.WithError(err).Error("Failed to reset orphaned tickets")
	} else if n > 0 {
		s.logger.Info("Orphaned tickets reopened", zap.Int64("count", n))
		s.daemonLog(ctx, "warning", fmt.Sprintf("reopened %d orphaned tickets", n))
	}

	expired, err := s.store.AutoCloseExpired(ctx, time.Now())
	if err != nil {
		s.logger.WithError(err).Error("Failed to auto-close expired reviews")
	}
	for _, ticket := range expired {
		s.logger.Info("Review window expired, ticket closed",
			zap.String("ticket", ticket.TicketNumber))
		s.daemonLog(ctx, "info", "auto-closed "+ticket.TicketNumber+" after review window")
		event := bus.NewEvent(events.TicketStatusChanged, "scheduler", events.StatusEventData{
			TicketID: ticket.ID,
			Status:   store.StatusDone,
		})
		_ = s.bus.Publish(ctx, events.TicketStatusSubject(ticket.ID), event)
	}

	projects, err := s.store.ListActiveProjectsWithOpenTickets(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list eligible projects")
		return
	}
	for _, project := range projects {
		s.maybeSpawn(ctx, project)
	}
}

// daemonLog mirrors notable scheduler events into the persistent daemon log.
func (s *Scheduler) daemonLog(ctx context.Context, level, message string) {
	if err := s.store.AppendDaemonLog(ctx, level, message); err != nil {
		s.logger.WithError(err).Warn("Failed to write daemon log")
	}
}

// reap removes finished workers and returns the project ids that still have
// a live one.
func (s *Scheduler) reap() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make([]string, 0, len(s.workers))
	for projectID, handle := range s.workers {
		select {
		case <-handle.done:
			delete(s.workers, projectID)
		default:
			live = append(live, projectID)
		}
	}
	return live
}

// maybeSpawn starts a worker for the project when none is live and the
// parallelism cap allows it. At most one worker per project, ever.
func (s *Scheduler) maybeSpawn(ctx context.Context, project *store.Project) {
	s.mu.Lock()
	if _, exists := s.workers[project.ID]; exists || len(s.workers) >= s.cfg.MaxParallelProjects {
		s.mu.Unlock()
		return
	}
	handle := &workerHandle{project: project, done: make(chan struct{})}
	s.workers[project.ID] = handle
	s.mu.Unlock()

	s.logger.Info("Spawning worker", zap.String("project_code", project.Code))
	go func() {
		defer close(handle.done)
		worker.New(project, s.workerDep).Run(ctx)
	}()
}

// joinWorkers waits for every worker with a per-worker timeout.
func (s *Scheduler) joinWorkers() {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.workers))
	for _, handle := range s.workers {
		handles = append(handles, handle)
	}
	s.mu.Unlock()

	for _, handle := range handles {
		select {
		case <-handle.done:
		case <-time.After(s.cfg.StopTimeoutDuration()):
			s.logger.Warn("Worker did not stop in time",
				zap.String("project_code", handle.project.Code))
		}
	}
}

// WorkerCount reports the live worker count, for health introspection.
func (s *Scheduler) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}
