package smartctx

import (
	"context"
	"fmt"

	"github.com/ticketd/ticketd/internal/agent"
	"github.com/ticketd/ticketd/internal/store"
)

// elisionMarker is inserted where the middle of an oversized message was cut.
const elisionMarker = "\n[... middle of message elided ...]\n"

// History is the replayable portion of a ticket's transcript after budgeting.
type History struct {
	Messages    []*store.ConversationMessage
	TotalTokens int
	Summarized  bool // true when a prefix was folded into an extraction
}

// SmartHistory loads the ticket's unsummarized transcript and enforces the
// token budget. Under the extraction threshold everything is returned
// verbatim. Over it, a recent suffix within the budget is kept (oversized
// messages truncated) and the older prefix is summarized into an extraction.
func (b *Builder) SmartHistory(ctx context.Context, ticket *store.Ticket) (*History, error) {
	msgs, err := b.store.ListUnsummarizedMessages(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, m := range msgs {
		if m.TokenCount <= 0 {
			m.TokenCount = agent.EstimateTokens(m.Content)
			if err := b.store.UpdateMessageTokenCount(ctx, m.ID, m.TokenCount); err != nil {
				return nil, err
			}
		}
		total += m.TokenCount
	}

	if total <= b.cfg.ExtractionThreshold {
		return &History{Messages: msgs, TotalTokens: total}, nil
	}

	// Walk backwards collecting a suffix that fits the recent budget. The
	// total cap bounds the replay even when the recent budget is configured
	// above it.
	budget := b.cfg.RecentTokensBudget
	if b.cfg.MaxTotalTokens > 0 && budget > b.cfg.MaxTotalTokens {
		budget = b.cfg.MaxTotalTokens
	}
	used := 0
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		tokens := msgs[i].TokenCount
		if tokens > b.cfg.MaxSingleMessage {
			tokens = b.cfg.MaxSingleMessage
		}
		if used+tokens > budget {
			break
		}
		used += tokens
		cut = i
	}

	recent := msgs[cut:]
	prefix := msgs[:cut]

	for _, m := range recent {
		if m.TokenCount > b.cfg.MaxSingleMessage {
			m.Content = truncateMiddle(m.Content, b.cfg.MaxSingleMessage)
			m.TokenCount = agent.EstimateTokens(m.Content)
		}
	}

	summarized := false
	if len(prefix) > 0 {
		if err := b.Summarize(ctx, ticket, prefix); err != nil {
			b.logger.WithError(err).Warn("Summarization failed, replaying prefix untouched")
		} else {
			summarized = true
		}
	}

	h := &History{Messages: recent, TotalTokens: used, Summarized: summarized}
	if !summarized {
		// Prefix stays in the transcript; it will be retried next build.
		h.Messages = msgs
		h.TotalTokens = total
	}
	return h, nil
}

// truncateMiddle keeps the head 40% and tail 40% of the character budget
// with a marker noting the elision.
func truncateMiddle(content string, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(content) <= maxChars {
		return content
	}
	head := maxChars * 40 / 100
	tail := maxChars * 40 / 100
	return content[:head] + elisionMarker + content[len(content)-tail:]
}

// renderHistory formats messages for prompt replay.
func renderHistory(msgs []*store.ConversationMessage) string {
	out := ""
	for _, m := range msgs {
		switch m.Role {
		case "tool_use":
			out += fmt.Sprintf("[tool: %s]\n", m.Content)
		default:
			out += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
		}
	}
	return out
}
