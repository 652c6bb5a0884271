package notify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/agent"
	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/store"
)

// ticketNumberPattern extracts a ticket number from an outbound message a
// user replied to.
var ticketNumberPattern = regexp.MustCompile(`[A-Z]+\d*-\d+`)

// guidanceText is sent when a reply cannot be routed to a ticket.
const guidanceText = "Reply directly to a ticket notification so I know which ticket you mean. " +
	"End your message with ? to ask a question without changing the ticket."

// InboundPoller long-polls Telegram and routes replies to tickets.
type InboundPoller struct {
	cfg      config.TelegramConfig
	store    *store.Store
	telegram *TelegramClient
	aux      agent.AuxInvoker
	logger   *logger.Logger

	offset int64
}

// NewInboundPoller wires the inbound reply path.
func NewInboundPoller(cfg config.TelegramConfig, st *store.Store, telegram *TelegramClient, aux agent.AuxInvoker, log *logger.Logger) *InboundPoller {
	return &InboundPoller{
		cfg:      cfg,
		store:    st,
		telegram: telegram,
		aux:      aux,
		logger:   log.WithFields(zap.String("component", "inbound")),
	}
}

// Run polls until ctx is cancelled.
func (p *InboundPoller) Run(ctx context.Context) error {
	if !p.telegram.Enabled() {
		p.logger.Info("Telegram not configured, inbound poller idle")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.cfg.PollIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *InboundPoller) poll(ctx context.Context) {
	updates, err := p.telegram.GetUpdates(ctx, p.offset)
	if err != nil {
		p.logger.WithError(err).Warn("getUpdates failed")
		return
	}
	for _, update := range updates {
		if update.UpdateID >= p.offset {
			p.offset = update.UpdateID + 1
		}
		p.handleUpdate(ctx, update)
	}
}

func (p *InboundPoller) handleUpdate(ctx context.Context, update Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.Chat == nil {
		return
	}
	chatID := fmt.Sprintf("%d", msg.Chat.ID)

	if msg.ReplyToMessage == nil {
		p.reply(ctx, chatID, guidanceText)
		return
	}

	number := ticketNumberPattern.FindString(msg.ReplyToMessage.Text)
	if number == "" {
		p.reply(ctx, chatID, guidanceText)
		return
	}

	ticket, err := p.store.GetTicketByNumber(ctx, number)
	if err != nil {
		p.reply(ctx, chatID, fmt.Sprintf("I could not find ticket %s.", number))
		return
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "?") || strings.HasSuffix(text, "?") {
		p.answerQuestion(ctx, chatID, ticket, text)
		return
	}

	p.appendReply(ctx, chatID, ticket, msg, text)
}

// answerQuestion asks the auxiliary model about the ticket without touching
// its state.
func (p *InboundPoller) answerQuestion(ctx context.Context, chatID string, ticket *store.Ticket, question string) {
	recent, err := p.store.ListRecentMessages(ctx, ticket.ID, 5)
	if err != nil {
		p.logger.WithError(err).WithTicketID(ticket.ID).Warn("Failed to load context for question")
		recent = nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Ticket %s (%s), status %s, %d tokens used so far.\n",
		ticket.TicketNumber, ticket.Title, ticket.Status, ticket.TotalTokens)
	sb.WriteString("Recent conversation:\n")
	for _, m := range recent {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&sb, "\nAnswer this user question briefly:\n%s", question)

	answer, err := p.aux.Invoke(ctx, sb.String())
	if err != nil {
		p.logger.WithError(err).Warn("Question answering failed")
		answer = "I could not produce an answer right now, please try again."
	}
	p.reply(ctx, chatID, answer)
}

// appendReply records the reply in the transcript and reopens the ticket if
// it was waiting for input.
func (p *InboundPoller) appendReply(ctx context.Context, chatID string, ticket *store.Ticket, msg *UpdateMessage, text string) {
	sender := "user"
	if msg.From != nil {
		if msg.From.Username != "" {
			sender = msg.From.Username
		} else if msg.From.FirstName != "" {
			sender = msg.From.FirstName
		}
	}

	err := p.store.AppendMessage(ctx, &store.ConversationMessage{
		TicketID: ticket.ID,
		Role:     "user",
		Content:  fmt.Sprintf("[Via Telegram from %s] %s", sender, text),
	})
	if err != nil {
		p.logger.WithError(err).WithTicketID(ticket.ID).Error("Failed to append reply")
		p.reply(ctx, chatID, "Something went wrong recording your message.")
		return
	}

	if ticket.Status == store.StatusAwaitingInput {
		if err := p.store.ReopenTicket(ctx, ticket.ID); err != nil {
			p.logger.WithError(err).WithTicketID(ticket.ID).Error("Failed to reopen ticket")
		} else {
			p.reply(ctx, chatID, fmt.Sprintf("Got it, %s is back in the queue.", ticket.TicketNumber))
			return
		}
	}
	p.reply(ctx, chatID, fmt.Sprintf("Noted on %s.", ticket.TicketNumber))
}

func (p *InboundPoller) reply(ctx context.Context, chatID, text string) {
	if err := p.telegram.SendReply(ctx, chatID, text); err != nil {
		p.logger.WithError(err).Warn("Telegram reply failed")
	}
}
