// Package watchdog periodically asks a fast auxiliary model whether each
// in-progress ticket is still making progress, and marks loopers as stuck.
package watchdog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/agent"
	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/events"
	"github.com/ticketd/ticketd/internal/events/bus"
	"github.com/ticketd/ticketd/internal/notify"
	"github.com/ticketd/ticketd/internal/store"
)

const verdictPrompt = `You are reviewing a coding agent's recent transcript.
Decide whether the agent is making progress or is stuck in a loop
(repeating the same edits, errors or dead ends).
Respond with EXACTLY one line: either
CONTINUE
or
STUCK: <short reason>

Transcript:
`

// Watchdog is the periodic productivity analyzer.
type Watchdog struct {
	cfg      config.WatchdogConfig
	store    *store.Store
	aux      agent.AuxInvoker
	bus      bus.EventBus
	notifier *notify.Notifier
	logger   *logger.Logger
}

// New returns a watchdog over the given store and auxiliary model.
func New(cfg config.WatchdogConfig, st *store.Store, aux agent.AuxInvoker, eventBus bus.EventBus, notifier *notify.Notifier, log *logger.Logger) *Watchdog {
	return &Watchdog{
		cfg:      cfg,
		store:    st,
		aux:      aux,
		bus:      eventBus,
		notifier: notifier,
		logger:   log.WithFields(zap.String("component", "watchdog")),
	}
}

// Run ticks at the configured interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.IntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep analyzes every in-progress ticket with a large enough transcript.
func (w *Watchdog) Sweep(ctx context.Context) {
	tickets, err := w.store.ListInProgressTickets(ctx)
	if err != nil {
		w.logger.WithError(err).Error("Failed to list in-progress tickets")
		return
	}
	for _, ticket := range tickets {
		if ctx.Err() != nil {
			return
		}
		w.analyze(ctx, ticket)
	}
}

func (w *Watchdog) analyze(ctx context.Context, ticket *store.Ticket) {
	log := w.logger.WithTicketID(ticket.ID)

	count, err := w.store.CountMessages(ctx, ticket.ID)
	if err != nil {
		log.WithError(err).Warn("Failed to count messages")
		return
	}
	if count < w.cfg.MinMessages {
		return
	}

	recent, err := w.store.ListRecentMessages(ctx, ticket.ID, w.cfg.LastN)
	if err != nil {
		log.WithError(err).Warn("Failed to load recent messages")
		return
	}

	var sb strings.Builder
	sb.WriteString(verdictPrompt)
	for _, m := range recent {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	verdict, err := w.aux.Invoke(ctx, sb.String())
	if err != nil {
		log.WithError(err).Warn("Watchdog analysis failed")
		return
	}

	reason, stuck := parseVerdict(verdict)
	if !stuck {
		return
	}
	log.Warn("Ticket marked stuck", zap.String("reason", reason))
	w.markStuck(ctx, ticket, reason)
}

// parseVerdict reads the model's single-line answer. Anything that is not a
// well-formed STUCK line counts as CONTINUE.
func parseVerdict(verdict string) (string, bool) {
	line := strings.TrimSpace(verdict)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	upper := strings.ToUpper(line)
	if !strings.HasPrefix(upper, "STUCK") {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(line[5:], ":"))
	if reason == "" {
		reason = "no reason given"
	}
	return reason, true
}

func (w *Watchdog) markStuck(ctx context.Context, ticket *store.Ticket, reason string) {
	log := w.logger.WithTicketID(ticket.ID)

	if err := w.store.UpdateTicketStatus(ctx, ticket.ID, store.StatusStuck); err != nil {
		log.WithError(err).Error("Failed to mark ticket stuck")
		return
	}
	if err := w.store.AppendMessage(ctx, &store.ConversationMessage{
		TicketID: ticket.ID,
		Role:     "system",
		Content:  "Watchdog marked this ticket stuck: " + reason,
	}); err != nil {
		log.WithError(err).Warn("Failed to append stuck message")
	}
	if err := w.store.CloseRunningSessions(ctx, ticket.ID, store.SessionStuck); err != nil {
		log.WithError(err).Warn("Failed to close running sessions")
	}

	project, err := w.store.GetProject(ctx, ticket.ProjectID)
	if err == nil {
		w.notifier.WatchdogAlert(ctx, project, ticket, reason)
	}

	ticket.Status = store.StatusStuck
	statusEvent := bus.NewEvent(events.TicketStatusChanged, "watchdog", events.StatusEventData{
		TicketID: ticket.ID,
		Status:   store.StatusStuck,
	})
	_ = w.bus.Publish(ctx, events.TicketStatusSubject(ticket.ID), statusEvent)

	stuckEvent := bus.NewEvent(events.TicketStuck, "watchdog", events.StuckEventData{
		TicketID: ticket.ID,
		Reason:   reason,
	})
	_ = w.bus.Publish(ctx, events.TicketStuckSubject, stuckEvent)
}
