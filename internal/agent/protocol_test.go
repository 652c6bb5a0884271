package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type capture struct {
	messages    []Message
	diagnostics []string
}

func newParser(c *capture, usage *Usage) *StreamParser {
	return &StreamParser{
		Usage: usage,
		OnMessage: func(msg Message) {
			c.messages = append(c.messages, msg)
		},
		OnDiagnostic: func(logType, text string) {
			c.diagnostics = append(c.diagnostics, logType+": "+text)
		},
	}
}

func TestParseAssistantText(t *testing.T) {
	var c capture
	p := newParser(&c, nil)

	out := p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}`)
	assert.Equal(t, OutcomeNone, out)
	if assert.Len(t, c.messages, 1) {
		assert.Equal(t, "assistant", c.messages[0].Role)
		assert.Equal(t, "working on it", c.messages[0].Content)
	}
}

func TestParseCompletionMarkerCaseInsensitive(t *testing.T) {
	var c capture
	p := newParser(&c, nil)

	out := p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"all done. task completed"}]}}`)
	assert.Equal(t, OutcomeCompleted, out)
}

func TestParseToolUse(t *testing.T) {
	var c capture
	p := newParser(&c, nil)

	p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file":"main.go"}}]}}`)
	if assert.Len(t, c.messages, 1) {
		assert.Equal(t, "tool_use", c.messages[0].Role)
		assert.Equal(t, "Edit", c.messages[0].ToolName)
		assert.Contains(t, c.messages[0].ToolInput, "main.go")
	}
}

func TestUsageIncrementalThenReplaced(t *testing.T) {
	var c capture
	usage := &Usage{}
	p := newParser(&c, usage)

	p.ParseLine(`{"type":"assistant","message":{"content":[],"usage":{"input_tokens":100,"output_tokens":50}}}`)
	p.ParseLine(`{"type":"assistant","message":{"content":[],"usage":{"input_tokens":200,"output_tokens":80,"cache_read_input_tokens":10}}}`)

	input, output, cache, apiCalls := usage.Snapshot()
	assert.EqualValues(t, 300, input)
	assert.EqualValues(t, 130, output)
	assert.EqualValues(t, 10, cache)
	assert.EqualValues(t, 2, apiCalls)

	// The result record replaces, it does not add.
	p.ParseLine(`{"type":"result","result":"ok","usage":{"input_tokens":250,"output_tokens":120,"cache_read_input_tokens":5}}`)
	input, output, cache, apiCalls = usage.Snapshot()
	assert.EqualValues(t, 250, input)
	assert.EqualValues(t, 120, output)
	assert.EqualValues(t, 5, cache)
	assert.EqualValues(t, 2, apiCalls, "api call count survives the replacement")
}

func TestResultTruncatedTo5000(t *testing.T) {
	var c capture
	p := newParser(&c, nil)

	long := strings.Repeat("r", 6000)
	p.ParseLine(`{"type":"result","result":"` + long + `"}`)
	if assert.Len(t, c.messages, 1) {
		assert.Equal(t, "tool_result", c.messages[0].Role)
		assert.Len(t, c.messages[0].Content, 5000)
	}
}

func TestParseErrorRecord(t *testing.T) {
	var c capture
	p := newParser(&c, nil)

	p.ParseLine(`{"type":"error","error":{"message":"rate limited"}}`)
	if assert.Len(t, c.messages, 1) {
		assert.Equal(t, "system", c.messages[0].Role)
		assert.Contains(t, c.messages[0].Content, "rate limited")
	}
	assert.Len(t, c.diagnostics, 1)
}

func TestInvalidJSONBecomesDiagnostic(t *testing.T) {
	var c capture
	p := newParser(&c, nil)

	assert.Equal(t, OutcomeNone, p.ParseLine("not json at all"))
	assert.Empty(t, c.messages)
	if assert.Len(t, c.diagnostics, 1) {
		assert.Contains(t, c.diagnostics[0], "raw: not json")
	}

	assert.Equal(t, OutcomeNone, p.ParseLine("   "))
	assert.Len(t, c.diagnostics, 1, "blank lines are ignored entirely")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
