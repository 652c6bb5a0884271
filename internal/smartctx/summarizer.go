package smartctx

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ticketd/ticketd/internal/store"
)

// summaryInputMessages caps how much transcript the auxiliary model sees.
const summaryInputMessages = 30

// extractionResult is the strict JSON shape the auxiliary model must return.
type extractionResult struct {
	Decisions      []string `json:"decisions"`
	ProblemsSolved []string `json:"problems_solved"`
	CurrentStatus  string   `json:"current_status"`
	KeyInfo        []string `json:"key_info"`
	ImportantNotes []string `json:"important_notes"`
}

// filePathPattern picks file references out of transcript text.
var filePathPattern = regexp.MustCompile(`[\w./-]+\.(?:go|py|php|js|ts|jsx|tsx|vue|rb|java|sql|html|css|json|ya?ml|md|sh|env)\b`)

// Summarize folds the given message prefix into a ConversationExtraction
// via the auxiliary model, falling back to a structural extraction on
// invalid JSON or timeout. On success the covered messages are marked
// summarized and the project knowledge is updated.
func (b *Builder) Summarize(ctx context.Context, ticket *store.Ticket, prefix []*store.ConversationMessage) error {
	if len(prefix) == 0 {
		return nil
	}

	window := prefix
	if len(window) > summaryInputMessages {
		window = window[len(window)-summaryInputMessages:]
	}
	files := referencedFiles(prefix)

	result, structural := b.extract(ctx, window, files)

	tokensBefore := 0
	ids := make([]string, len(prefix))
	for i, m := range prefix {
		tokensBefore += m.TokenCount
		ids[i] = m.ID
	}

	extraction := &store.ConversationExtraction{
		TicketID:           ticket.ID,
		Decisions:          mustJSON(result.Decisions),
		ProblemsSolved:     mustJSON(result.ProblemsSolved),
		FilesModified:      mustJSON(files),
		BlockingIssues:     mustJSON(result.KeyInfo),
		ImportantNotes:     mustJSON(result.ImportantNotes),
		ErrorPatterns:      "[]",
		CurrentStatus:      result.CurrentStatus,
		CoversMsgFromID:    prefix[0].ID,
		CoversMsgToID:      prefix[len(prefix)-1].ID,
		MessagesSummarized: len(prefix),
		TokensBefore:       tokensBefore,
		TokensAfter:        (len(result.CurrentStatus) + 3) / 4,
	}
	if err := b.store.CreateExtraction(ctx, extraction, ids); err != nil {
		return err
	}

	if !structural {
		if err := b.store.MergeKnowledge(ctx, ticket.ProjectID, &store.Knowledge{
			Gotchas:        result.ImportantNotes,
			Decisions:      result.Decisions,
			LearnedTickets: []string{ticket.TicketNumber},
		}); err != nil {
			b.logger.WithError(err).Warn("Knowledge merge failed")
		}
	}
	return nil
}

// extract asks the auxiliary model for a strict JSON summary. The second
// return is true when the structural fallback was used.
func (b *Builder) extract(ctx context.Context, window []*store.ConversationMessage, files []string) (*extractionResult, bool) {
	prompt := buildExtractionPrompt(window, files)

	raw, err := b.aux.Invoke(ctx, prompt)
	if err == nil {
		if result, perr := parseExtraction(raw); perr == nil {
			return result, false
		}
	}
	if err != nil {
		b.logger.WithError(err).Warn("Extraction model call failed, using structural fallback")
	}

	return &extractionResult{
		CurrentStatus: fmt.Sprintf("Summarized %d messages (structural fallback)", len(window)),
		KeyInfo:       files,
	}, true
}

func buildExtractionPrompt(window []*store.ConversationMessage, files []string) string {
	var sb strings.Builder
	sb.WriteString("Summarize this coding session transcript. Respond with ONLY a JSON object, ")
	sb.WriteString("no prose, with exactly these fields:\n")
	sb.WriteString(`{"decisions": [], "problems_solved": [], "current_status": "", "key_info": [], "important_notes": []}`)
	sb.WriteString("\n\nFiles referenced: ")
	sb.WriteString(strings.Join(files, ", "))
	sb.WriteString("\n\nTranscript:\n")
	sb.WriteString(renderHistory(window))
	return sb.String()
}

// parseExtraction decodes the model output, tolerating markdown code fences.
func parseExtraction(raw string) (*extractionResult, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var result extractionResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return nil, fmt.Errorf("invalid extraction JSON: %w", err)
	}
	return &result, nil
}

// referencedFiles collects unique file names mentioned across messages.
func referencedFiles(msgs []*store.ConversationMessage) []string {
	seen := make(map[string]bool)
	var files []string
	for _, m := range msgs {
		for _, f := range filePathPattern.FindAllString(m.Content, -1) {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	return files
}

func mustJSON(v []string) string {
	if v == nil {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}
