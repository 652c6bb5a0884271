// Package agent supervises the coding agent subprocess: spawning, stream
// protocol parsing, usage accounting and auxiliary model calls.
package agent

import (
	"encoding/json"
	"strings"
)

// Outcome signals what a parsed line implied for the run.
type Outcome int

const (
	// OutcomeNone means the line carried no lifecycle signal.
	OutcomeNone Outcome = iota
	// OutcomeCompleted means the assistant declared the task complete.
	OutcomeCompleted
)

// completionMarker is the literal substring (case-insensitive) the agent
// emits when it considers the task finished.
const completionMarker = "TASK COMPLETED"

// maxToolResultChars caps persisted result payloads.
const maxToolResultChars = 5000

// Message is a transcript event produced by the parser.
type Message struct {
	Role      string
	Content   string
	ToolName  string
	ToolInput string // opaque JSON, empty for non-tool messages
}

// streamRecord is the loose shape of one newline-delimited JSON record.
type streamRecord struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	Message struct {
		Content []contentBlock `json:"content"`
		Usage   *usageBlock    `json:"usage"`
	} `json:"message"`
	Usage *usageBlock     `json:"usage"`
	Error json.RawMessage `json:"error"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type usageBlock struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

// StreamParser consumes the agent's stream-JSON output line by line.
// OnMessage receives every transcript event to persist and broadcast;
// OnDiagnostic receives raw lines and error details for the execution log.
type StreamParser struct {
	Usage        *Usage
	OnMessage    func(msg Message)
	OnDiagnostic func(logType, text string)
}

// ParseLine handles one line of agent output. Invalid JSON and unknown
// record kinds are recorded as diagnostics; parsing always continues.
func (p *StreamParser) ParseLine(line string) Outcome {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return OutcomeNone
	}

	var rec streamRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		p.diagnostic("raw", trimmed)
		return OutcomeNone
	}

	switch rec.Type {
	case "assistant":
		return p.handleAssistant(&rec)
	case "result":
		p.handleResult(&rec)
		return OutcomeNone
	case "error":
		p.handleError(&rec, trimmed)
		return OutcomeNone
	default:
		p.diagnostic("raw", trimmed)
		return OutcomeNone
	}
}

func (p *StreamParser) handleAssistant(rec *streamRecord) Outcome {
	outcome := OutcomeNone
	var text strings.Builder

	for _, block := range rec.Message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
			if strings.Contains(strings.ToUpper(block.Text), completionMarker) {
				outcome = OutcomeCompleted
			}
		case "tool_use":
			p.emit(Message{
				Role:      "tool_use",
				Content:   block.Name,
				ToolName:  block.Name,
				ToolInput: string(block.Input),
			})
		}
	}

	if usage := rec.Message.Usage; usage != nil && p.Usage != nil {
		p.Usage.AddIncremental(usage.InputTokens, usage.OutputTokens,
			usage.CacheReadTokens, usage.CacheCreationTokens)
	}

	if text.Len() > 0 {
		p.emit(Message{Role: "assistant", Content: text.String()})
	}
	return outcome
}

func (p *StreamParser) handleResult(rec *streamRecord) {
	if usage := rec.Usage; usage != nil && p.Usage != nil {
		p.Usage.ReplaceTotals(usage.InputTokens, usage.OutputTokens,
			usage.CacheReadTokens, usage.CacheCreationTokens)
	}
	content := rec.Result
	if len(content) > maxToolResultChars {
		content = content[:maxToolResultChars]
	}
	p.emit(Message{Role: "tool_result", Content: content})
}

func (p *StreamParser) handleError(rec *streamRecord, raw string) {
	errText := string(rec.Error)
	if errText == "" || errText == "null" {
		errText = raw
	}
	p.emit(Message{Role: "system", Content: "Agent error: " + errText})
	p.diagnostic("error", errText)
}

func (p *StreamParser) emit(msg Message) {
	if p.OnMessage != nil {
		p.OnMessage(msg)
	}
}

func (p *StreamParser) diagnostic(logType, text string) {
	if p.OnDiagnostic != nil {
		p.OnDiagnostic(logType, text)
	}
}
