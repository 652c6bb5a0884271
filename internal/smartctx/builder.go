// Package smartctx assembles the system preamble for each agent invocation
// and keeps the replayed history within a token budget by summarizing older
// messages into extractions.
package smartctx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/agent"
	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/store"
)

// Builder assembles prompts for agent runs.
type Builder struct {
	store  *store.Store
	aux    agent.AuxInvoker
	cfg    config.ContextConfig
	logger *logger.Logger
}

// NewBuilder returns a prompt builder over the given store and auxiliary
// model.
func NewBuilder(st *store.Store, aux agent.AuxInvoker, cfg config.ContextConfig, log *logger.Logger) *Builder {
	return &Builder{
		store:  st,
		aux:    aux,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "context_builder")),
	}
}

// BuildPrompt assembles the full prompt for one agent invocation: the
// preamble sections in fixed order (empty sections omitted), then the
// budgeted conversation history, then the task itself.
func (b *Builder) BuildPrompt(ctx context.Context, project *store.Project, ticket *store.Ticket, allowedPaths []string) (string, error) {
	var sb strings.Builder

	// 1. Project identity
	sb.WriteString(fmt.Sprintf("# Project: %s (%s)\n", project.Name, project.Code))
	sb.WriteString(fmt.Sprintf("Type: %s\n", project.Type))
	if project.WebPath.Valid && project.WebPath.String != "" {
		sb.WriteString(fmt.Sprintf("Web root: %s\n", project.WebPath.String))
	}
	if project.AppPath.Valid && project.AppPath.String != "" {
		sb.WriteString(fmt.Sprintf("App root: %s\n", project.AppPath.String))
	}
	sb.WriteString("\n")

	// 2. Global environment context
	if global := b.globalContext(); global != "" {
		sb.WriteString("# Environment\n")
		sb.WriteString(global)
		sb.WriteString("\n\n")
	}

	// 3. User preferences
	if prefs, err := b.store.GetUserPreferences(ctx); err == nil {
		writePreferences(&sb, prefs)
	}

	// 4. Project map
	if m, err := b.ProjectMapFor(ctx, project); err == nil {
		sb.WriteString("# Project structure\n")
		if m.Language != "" {
			sb.WriteString(fmt.Sprintf("Primary language: %s\n", m.Language))
		}
		if fw := decodeList(m.Frameworks); len(fw) > 0 {
			sb.WriteString(fmt.Sprintf("Frameworks: %s\n", strings.Join(fw, ", ")))
		}
		if ep := decodeList(m.EntryPoints); len(ep) > 0 {
			sb.WriteString(fmt.Sprintf("Entry points: %s\n", strings.Join(ep, ", ")))
		}
		sb.WriteString(m.Tree)
		sb.WriteString("\n")
	}

	// 5. Project knowledge
	if k, err := b.store.GetKnowledge(ctx, project.ID); err == nil {
		writeKnowledge(&sb, k)
	}

	// 6. Latest extraction, important notes first
	if e, err := b.store.LatestExtraction(ctx, ticket.ID); err == nil {
		writeExtraction(&sb, e)
	}

	// 7. Database credentials
	if project.HasDatabase() {
		sb.WriteString("# Project database\n")
		sb.WriteString(fmt.Sprintf("Host: %s\nDatabase: %s\nUser: %s\nPassword: %s\n\n",
			project.DBHost.String, project.DBName.String,
			project.DBUser.String, project.DBPassword.String))
	}

	// 8. Free-form context
	if project.Context != "" {
		sb.WriteString("# Project context\n")
		sb.WriteString(project.Context)
		sb.WriteString("\n\n")
	}
	if ticket.Context != "" {
		sb.WriteString("# Ticket context\n")
		sb.WriteString(ticket.Context)
		sb.WriteString("\n\n")
	}

	// 9. Allowed paths + the task
	if len(allowedPaths) > 0 {
		sb.WriteString("# Allowed paths\n")
		sb.WriteString("You may only modify files under these paths:\n")
		for _, p := range allowedPaths {
			sb.WriteString("- " + p + "\n")
		}
		sb.WriteString("\n")
	}

	history, err := b.SmartHistory(ctx, ticket)
	if err != nil {
		return "", err
	}
	if len(history.Messages) > 0 {
		sb.WriteString("# Conversation so far\n")
		sb.WriteString(renderHistory(history.Messages))
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("# Task %s: %s\n", ticket.TicketNumber, ticket.Title))
	sb.WriteString(ticket.Description)
	sb.WriteString("\n\nWhen the task is fully done, state TASK COMPLETED in your final message.\n")

	return sb.String(), nil
}

// globalContext reads the site-wide context file, empty when absent.
func (b *Builder) globalContext() string {
	if b.cfg.GlobalContextFile == "" {
		return ""
	}
	data, err := os.ReadFile(b.cfg.GlobalContextFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writePreferences(sb *strings.Builder, p *store.UserPreferences) {
	quirks := decodeList(p.Quirks)
	if p.Language == "" && p.ResponseStyle == "" && p.SkillLevel == "" &&
		p.CustomInstructions == "" && len(quirks) == 0 {
		return
	}
	sb.WriteString("# User preferences\n")
	if p.Language != "" {
		sb.WriteString("Language: " + p.Language + "\n")
	}
	if p.ResponseStyle != "" {
		sb.WriteString("Response style: " + p.ResponseStyle + "\n")
	}
	if p.SkillLevel != "" {
		sb.WriteString("Skill level: " + p.SkillLevel + "\n")
	}
	if p.CustomInstructions != "" {
		sb.WriteString("Instructions: " + p.CustomInstructions + "\n")
	}
	for _, q := range quirks {
		sb.WriteString("- " + q + "\n")
	}
	sb.WriteString("\n")
}

func writeKnowledge(sb *strings.Builder, k *store.Knowledge) {
	if len(k.Gotchas) == 0 && len(k.Decisions) == 0 && len(k.ErrorSolutions) == 0 {
		return
	}
	sb.WriteString("# Project knowledge\n")
	if len(k.Gotchas) > 0 {
		sb.WriteString("Gotchas:\n")
		for _, g := range k.Gotchas {
			sb.WriteString("- " + g + "\n")
		}
	}
	if len(k.Decisions) > 0 {
		sb.WriteString("Decisions:\n")
		for _, d := range k.Decisions {
			sb.WriteString("- " + d + "\n")
		}
	}
	if len(k.ErrorSolutions) > 0 {
		sb.WriteString("Known errors and fixes:\n")
		for e, s := range k.ErrorSolutions {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", e, s))
		}
	}
	sb.WriteString("\n")
}

func writeExtraction(sb *strings.Builder, e *store.ConversationExtraction) {
	sb.WriteString("# Earlier session summary\n")
	if notes := decodeList(e.ImportantNotes); len(notes) > 0 {
		sb.WriteString("IMPORTANT NOTES:\n")
		for _, n := range notes {
			sb.WriteString("- " + n + "\n")
		}
	}
	if e.CurrentStatus != "" {
		sb.WriteString("Status: " + e.CurrentStatus + "\n")
	}
	writeListSection(sb, "Decisions", e.Decisions)
	writeListSection(sb, "Problems solved", e.ProblemsSolved)
	writeListSection(sb, "Files modified", e.FilesModified)
	writeListSection(sb, "Open issues", e.BlockingIssues)
	sb.WriteString("\n")
}

func writeListSection(sb *strings.Builder, title, raw string) {
	items := decodeList(raw)
	if len(items) == 0 {
		return
	}
	sb.WriteString(title + ":\n")
	for _, item := range items {
		sb.WriteString("- " + item + "\n")
	}
}

func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}
