package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/store"
)

// Notification kinds, each gated by its own config flag.
const (
	KindTicketCompleted = "ticket_completed"
	KindAwaitingInput   = "awaiting_input"
	KindTicketFailed    = "ticket_failed"
	KindWatchdogAlert   = "watchdog_alert"
)

// Notifier sends gated outbound notifications. Failures are logged and
// suppressed; notification trouble never blocks ticket processing.
type Notifier struct {
	gates    config.NotificationsConfig
	telegram *TelegramClient
	email    *EmailSender
	logger   *logger.Logger
}

// NewNotifier wires the outbound channels.
func NewNotifier(gates config.NotificationsConfig, telegram *TelegramClient, email *EmailSender, log *logger.Logger) *Notifier {
	return &Notifier{
		gates:    gates,
		telegram: telegram,
		email:    email,
		logger:   log.WithFields(zap.String("component", "notifier")),
	}
}

// TicketCompleted announces a ticket reaching review.
func (n *Notifier) TicketCompleted(ctx context.Context, project *store.Project, ticket *store.Ticket) {
	if !n.gates.TicketCompleted {
		return
	}
	text := fmt.Sprintf("✅ %s %s completed: %s\nReply to this message to give feedback.",
		project.Name, ticket.TicketNumber, ticket.Title)
	n.sendTelegram(ctx, text)
}

// AwaitingInput announces a ticket waiting for review.
func (n *Notifier) AwaitingInput(ctx context.Context, project *store.Project, ticket *store.Ticket) {
	if !n.gates.AwaitingInput {
		return
	}
	text := fmt.Sprintf("⏸ %s %s is awaiting your input: %s\nReply to continue, it auto-closes in 7 days.",
		project.Name, ticket.TicketNumber, ticket.Title)
	n.sendTelegram(ctx, text)
}

// TicketFailed announces a failed run.
func (n *Notifier) TicketFailed(ctx context.Context, project *store.Project, ticket *store.Ticket, reason string) {
	if !n.gates.TicketFailed {
		return
	}
	text := fmt.Sprintf("❌ %s %s failed: %s\nReason: %s",
		project.Name, ticket.TicketNumber, ticket.Title, reason)
	n.sendTelegram(ctx, text)
}

// WatchdogAlert announces a stuck ticket over both channels.
func (n *Notifier) WatchdogAlert(ctx context.Context, project *store.Project, ticket *store.Ticket, reason string) {
	if !n.gates.WatchdogAlert {
		return
	}
	text := fmt.Sprintf("🔒 %s %s looks stuck: %s\nReason: %s",
		project.Name, ticket.TicketNumber, ticket.Title, reason)
	n.sendTelegram(ctx, text)
	n.sendEmail(fmt.Sprintf("[ticketd] %s stuck", ticket.TicketNumber), text)
}

func (n *Notifier) sendTelegram(ctx context.Context, text string) {
	if n.telegram == nil || !n.telegram.Enabled() {
		return
	}
	if err := n.telegram.SendMessage(ctx, text); err != nil {
		n.logger.WithError(err).Warn("Telegram notification failed")
	}
}

func (n *Notifier) sendEmail(subject, body string) {
	if n.email == nil || !n.email.Enabled() {
		return
	}
	if err := n.email.Send(subject, body); err != nil {
		n.logger.WithError(err).Warn("Alert email failed")
	}
}
