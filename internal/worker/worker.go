// Package worker runs the serial executor for one project: it drains the
// project's tickets in priority order, drives each through the lifecycle
// state machine and supervises the agent subprocess.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/agent"
	"github.com/ticketd/ticketd/internal/backup"
	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/events"
	"github.com/ticketd/ticketd/internal/events/bus"
	"github.com/ticketd/ticketd/internal/notify"
	"github.com/ticketd/ticketd/internal/smartctx"
	"github.com/ticketd/ticketd/internal/store"
)

// runResult classifies how one agent invocation ended.
type runResult int

const (
	resultCompleted   runResult = iota // TASK COMPLETED seen, or /done
	resultSuccess                      // clean exit without the marker
	resultInterrupted                  // /stop
	resultSkipped                      // /skip
	resultStuck                        // no activity past the timeout
	resultStopped                      // daemon shutdown
	resultFailed                       // non-zero exit or spawn failure
)

// Deps is the narrow capability set a worker needs. Workers never see the
// scheduler.
type Deps struct {
	Store     *store.Store
	Bus       bus.EventBus
	Runner    agent.Runner
	Builder   *smartctx.Builder
	Backup    *backup.Service
	Notifier  *notify.Notifier
	Scheduler config.SchedulerConfig
	Agent     config.AgentConfig
	Logger    *logger.Logger
}

// Worker is the serial executor for one project.
type Worker struct {
	project *store.Project
	deps    Deps
	logger  *logger.Logger

	// pendingTexts counts free-text interjections appended to the transcript
	// since the last prompt build; the disposition matrix keys on it.
	pendingTexts int
}

// New returns a worker for the given project.
func New(project *store.Project, deps Deps) *Worker {
	return &Worker{
		project: project,
		deps:    deps,
		logger: deps.Logger.WithFields(
			zap.String("component", "worker"),
			zap.String("project_id", project.ID),
			zap.String("project_code", project.Code)),
	}
}

// Run drains the project's tickets until none remain or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Worker started")
	defer w.logger.Info("Worker finished")

	for {
		if ctx.Err() != nil {
			return
		}
		ticket, err := w.claimNext(ctx)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				w.logger.WithError(err).Error("Failed to claim ticket")
			}
			return
		}
		w.processTicket(ctx, ticket)
	}
}

// claimNext fetches the next claimable ticket. When the queue is empty it
// sleeps one poll interval and retries once before giving up.
func (w *Worker) claimNext(ctx context.Context) (*store.Ticket, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ticket, err := w.deps.Store.NextTicketForProject(ctx, w.project.ID)
		if err == nil {
			return ticket, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if attempt == 0 {
			select {
			case <-ctx.Done():
				return nil, store.ErrNotFound
			case <-time.After(w.deps.Scheduler.PollIntervalDuration()):
			}
		}
	}
	return nil, store.ErrNotFound
}

// processTicket runs the ticket through agent invocations until the
// disposition matrix says to stop.
func (w *Worker) processTicket(ctx context.Context, ticket *store.Ticket) {
	log := w.logger.WithTicketID(ticket.ID).WithFields(zap.String("ticket", ticket.TicketNumber))
	log.Info("Processing ticket", zap.String("priority", ticket.Priority))

	if _, err := w.deps.Backup.Create(ctx, w.project, backup.TriggerAuto); err != nil {
		log.WithError(err).Warn("Auto backup failed")
	}

	for {
		w.setStatus(ctx, ticket, store.StatusInProgress)

		session, err := w.deps.Store.StartSession(ctx, ticket.ID)
		if err != nil {
			log.WithError(err).Error("Failed to start session")
			return
		}
		usage := &agent.Usage{}
		usage.Reset()

		w.seedTranscript(ctx, ticket)
		w.pendingTexts = 0

		prompt, err := w.deps.Builder.BuildPrompt(ctx, w.project, ticket, w.allowedPaths())
		if err != nil {
			log.WithError(err).Error("Failed to build prompt")
			w.finishFailed(ctx, ticket, session, usage, "prompt build failed: "+err.Error())
			return
		}

		started := time.Now()
		result, reason := w.runAgent(ctx, ticket, session, usage, prompt)
		duration := time.Since(started)

		if w.disposition(ctx, ticket, session, usage, duration, result, reason) {
			continue
		}
		return
	}
}

// seedTranscript records the ticket description as the first user message of
// an empty transcript.
func (w *Worker) seedTranscript(ctx context.Context, ticket *store.Ticket) {
	count, err := w.deps.Store.CountMessages(ctx, ticket.ID)
	if err != nil || count > 0 {
		return
	}
	content := ticket.Title
	if ticket.Description != "" {
		content += "\n\n" + ticket.Description
	}
	w.persistMessage(ctx, ticket, "", agent.Message{Role: "user", Content: content})
}

// runAgent spawns the agent and consumes its stream, interleaving one-second
// command polls and the stuck-timeout check.
func (w *Worker) runAgent(ctx context.Context, ticket *store.Ticket, session *store.ExecutionSession, usage *agent.Usage, prompt string) (runResult, string) {
	model := w.project.Model
	if ticket.Model.Valid && ticket.Model.String != "" {
		model = ticket.Model.String
	}

	proc, err := w.deps.Runner.Start(ctx, agent.RunRequest{
		Model:   model,
		Prompt:  prompt,
		WorkDir: w.project.PrimaryPath(w.deps.Agent.DefaultWorkDir),
	})
	if err != nil {
		return resultFailed, "agent spawn failed: " + err.Error()
	}

	parser := &agent.StreamParser{
		Usage: usage,
		OnMessage: func(msg agent.Message) {
			w.persistMessage(ctx, ticket, session.ID, msg)
		},
		OnDiagnostic: func(logType, text string) {
			w.recordDiagnostic(ctx, ticket, session.ID, logType, text)
		},
	}

	completed := false
	lastActivity := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			proc.Terminate()
			drain(proc, parser, drainTimeout)
			return resultStopped, ""

		case line, ok := <-proc.Lines():
			if !ok {
				err := proc.Wait()
				switch {
				case completed:
					return resultCompleted, ""
				case err != nil:
					return resultFailed, truncateReason("agent exited: " + err.Error())
				default:
					return resultSuccess, ""
				}
			}
			if parser.ParseLine(line) == agent.OutcomeCompleted {
				completed = true
			}
			lastActivity = time.Now()

		case <-ticker.C:
			switch cmd := w.pollCommands(ctx, ticket); cmd {
			case CommandDone:
				proc.Terminate()
				drain(proc, parser, drainTimeout)
				return resultCompleted, ""
			case CommandSkip:
				proc.Terminate()
				drain(proc, parser, drainTimeout)
				return resultSkipped, ""
			case CommandStop:
				proc.Terminate()
				drain(proc, parser, drainTimeout)
				return resultInterrupted, ""
			}
			if time.Since(lastActivity) > w.deps.Agent.StuckTimeoutDuration() {
				proc.Terminate()
				drain(proc, parser, drainTimeout)
				return resultStuck, fmt.Sprintf("no activity for %s", w.deps.Agent.StuckTimeoutDuration())
			}
		}
	}
}

// pollCommands drains the interjection queue. The first command wins; free
// text is appended to the transcript immediately so the next prompt build
// replays it.
func (w *Worker) pollCommands(ctx context.Context, ticket *store.Ticket) string {
	msgs, err := w.deps.Store.TakePendingUserMessages(ctx, ticket.ID)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to poll user messages")
		return ""
	}
	command := ""
	for _, m := range msgs {
		if cmd := parseCommand(m.Content); cmd != "" {
			if command == "" {
				command = cmd
			}
			continue
		}
		w.persistMessage(ctx, ticket, "", agent.Message{Role: "user", Content: m.Content})
		w.pendingTexts++
	}
	return command
}

// disposition applies the post-run matrix. Returns true when the ticket
// should immediately re-run with the appended messages.
func (w *Worker) disposition(ctx context.Context, ticket *store.Ticket, session *store.ExecutionSession, usage *agent.Usage, duration time.Duration, result runResult, reason string) bool {
	log := w.logger.WithTicketID(ticket.ID)

	// A final sweep catches interjections that arrived after the last poll.
	w.pollCommands(ctx, ticket)

	switch result {
	case resultCompleted, resultSuccess, resultInterrupted:
		sessionStatus := store.SessionCompleted
		if result == resultInterrupted {
			sessionStatus = store.SessionStopped
		}
		w.endSession(ctx, ticket, session, usage, duration, sessionStatus)

		if w.pendingTexts > 0 {
			log.Info("Pending user messages, continuing run")
			return true
		}

		deadline := time.Now().UTC().Add(w.deps.Scheduler.ReviewGrace())
		if err := w.deps.Store.SetReviewDeadline(ctx, ticket.ID, deadline); err != nil {
			log.WithError(err).Error("Failed to set review deadline")
		}
		ticket.Status = store.StatusAwaitingInput
		w.broadcastStatus(ctx, ticket)
		if result == resultCompleted {
			w.deps.Notifier.TicketCompleted(ctx, w.project, ticket)
		} else {
			w.deps.Notifier.AwaitingInput(ctx, w.project, ticket)
		}

	case resultSkipped:
		w.endSession(ctx, ticket, session, usage, duration, store.SessionSkipped)
		w.setStatus(ctx, ticket, store.StatusSkipped)

	case resultStuck:
		w.endSession(ctx, ticket, session, usage, duration, store.SessionStuck)
		w.setStatus(ctx, ticket, store.StatusStuck)
		w.persistMessage(ctx, ticket, "", agent.Message{
			Role:    "system",
			Content: "Run terminated: " + reason,
		})
		w.deps.Notifier.WatchdogAlert(ctx, w.project, ticket, reason)
		w.publishStuck(ctx, ticket, reason)

	case resultStopped:
		w.endSession(ctx, ticket, session, usage, duration, store.SessionStopped)
		w.setStatus(ctx, ticket, store.StatusPending)

	case resultFailed:
		w.endSession(ctx, ticket, session, usage, duration, store.SessionFailed)
		if err := w.deps.Store.FailTicket(ctx, ticket.ID, reason); err != nil {
			log.WithError(err).Error("Failed to mark ticket failed")
		}
		ticket.Status = store.StatusFailed
		w.broadcastStatus(ctx, ticket)
		w.deps.Notifier.TicketFailed(ctx, w.project, ticket, reason)
	}
	return false
}

func (w *Worker) finishFailed(ctx context.Context, ticket *store.Ticket, session *store.ExecutionSession, usage *agent.Usage, reason string) {
	w.endSession(ctx, ticket, session, usage, 0, store.SessionFailed)
	if err := w.deps.Store.FailTicket(ctx, ticket.ID, reason); err != nil {
		w.logger.WithError(err).Error("Failed to mark ticket failed")
	}
	ticket.Status = store.StatusFailed
	w.broadcastStatus(ctx, ticket)
	w.deps.Notifier.TicketFailed(ctx, w.project, ticket, reason)
}

// endSession writes the session totals, the usage record and the rollup
// counters.
func (w *Worker) endSession(ctx context.Context, ticket *store.Ticket, session *store.ExecutionSession, usage *agent.Usage, duration time.Duration, status string) {
	input, output, cache, apiCalls := usage.Snapshot()
	if err := w.deps.Store.EndSession(ctx, session.ID, status, input, output, cache, apiCalls); err != nil {
		w.logger.WithError(err).Error("Failed to end session")
	}
	if err := w.deps.Store.RecordUsage(ctx, &store.UsageRecord{
		ProjectID:    w.project.ID,
		TicketID:     ticket.ID,
		SessionID:    session.ID,
		InputTokens:  input,
		OutputTokens: output,
		CacheTokens:  cache,
		APICalls:     apiCalls,
	}); err != nil {
		w.logger.WithError(err).Error("Failed to record usage")
	}
	total := usage.TotalTokens()
	if err := w.deps.Store.AddTicketUsage(ctx, ticket.ID, total, duration); err != nil {
		w.logger.WithError(err).Error("Failed to update ticket usage")
	}
	if err := w.deps.Store.AddProjectUsage(ctx, w.project.ID, total, apiCalls); err != nil {
		w.logger.WithError(err).Error("Failed to update project usage")
	}
}

// allowedPaths lists the filesystem roots the agent may modify.
func (w *Worker) allowedPaths() []string {
	var paths []string
	if w.project.WebPath.Valid && w.project.WebPath.String != "" {
		paths = append(paths, w.project.WebPath.String)
	}
	if w.project.AppPath.Valid && w.project.AppPath.String != "" {
		paths = append(paths, w.project.AppPath.String)
	}
	if len(paths) == 0 {
		paths = append(paths, w.deps.Agent.DefaultWorkDir)
	}
	return paths
}

// persistMessage writes one transcript message, then broadcasts it. Order
// matters: observers reading after the event always find the row.
func (w *Worker) persistMessage(ctx context.Context, ticket *store.Ticket, sessionID string, msg agent.Message) {
	record := &store.ConversationMessage{
		TicketID: ticket.ID,
		Role:     msg.Role,
		Content:  msg.Content,
	}
	if sessionID != "" {
		record.SessionID = sql.NullString{String: sessionID, Valid: true}
	}
	if msg.ToolName != "" {
		record.ToolName = sql.NullString{String: msg.ToolName, Valid: true}
	}
	if msg.ToolInput != "" {
		record.ToolInput = sql.NullString{String: msg.ToolInput, Valid: true}
	}
	if err := w.deps.Store.AppendMessage(ctx, record); err != nil {
		w.logger.WithError(err).WithTicketID(ticket.ID).Error("Failed to persist message")
		return
	}

	data := events.MessageEventData{
		TicketID:  ticket.ID,
		MessageID: record.ID,
		Role:      record.Role,
		Content:   record.Content,
		ToolName:  msg.ToolName,
		CreatedAt: record.CreatedAt.Format(time.RFC3339),
	}
	event := bus.NewEvent(events.TicketMessage, "worker", data)
	_ = w.deps.Bus.Publish(ctx, events.TicketMessageSubject(ticket.ID), event)
	_ = w.deps.Bus.Publish(ctx, events.ConsoleSubject, event)
}

func (w *Worker) recordDiagnostic(ctx context.Context, ticket *store.Ticket, sessionID, logType, text string) {
	if err := w.deps.Store.AppendExecutionLog(ctx, ticket.ID, sessionID, logType, text); err != nil {
		w.logger.WithError(err).Warn("Failed to record execution log")
	}
	event := bus.NewEvent(events.TicketLog, "worker", events.LogEventData{
		TicketID: ticket.ID,
		LogType:  logType,
		Text:     text,
	})
	_ = w.deps.Bus.Publish(ctx, events.TicketLogSubject(ticket.ID), event)
}

// setStatus updates the ticket status then broadcasts it.
func (w *Worker) setStatus(ctx context.Context, ticket *store.Ticket, status string) {
	if err := w.deps.Store.UpdateTicketStatus(ctx, ticket.ID, status); err != nil {
		w.logger.WithError(err).WithTicketID(ticket.ID).Error("Failed to update ticket status")
		return
	}
	ticket.Status = status
	w.broadcastStatus(ctx, ticket)
}

func (w *Worker) broadcastStatus(ctx context.Context, ticket *store.Ticket) {
	event := bus.NewEvent(events.TicketStatusChanged, "worker", events.StatusEventData{
		TicketID: ticket.ID,
		Status:   ticket.Status,
	})
	_ = w.deps.Bus.Publish(ctx, events.TicketStatusSubject(ticket.ID), event)
}

func (w *Worker) publishStuck(ctx context.Context, ticket *store.Ticket, reason string) {
	event := bus.NewEvent(events.TicketStuck, "worker", events.StuckEventData{
		TicketID: ticket.ID,
		Reason:   reason,
	})
	_ = w.deps.Bus.Publish(ctx, events.TicketStuckSubject, event)
}

// drainTimeout bounds how long a worker waits for output after termination.
const drainTimeout = 5 * time.Second

// drain consumes remaining output after termination so the final result
// record still lands in the transcript. When the deadline fires a discard
// reader takes over the stream, keeping the scan goroutine unblocked until
// the process can be reaped.
func drain(proc agent.Process, parser *agent.StreamParser, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-proc.Lines():
			if !ok {
				_ = proc.Wait()
				return
			}
			parser.ParseLine(line)
		case <-deadline:
			go func() {
				for range proc.Lines() {
				}
				_ = proc.Wait()
			}()
			return
		}
	}
}

func truncateReason(reason string) string {
	if len(reason) > 500 {
		return reason[:500]
	}
	return reason
}
