package worker

import "strings"

// User commands read from the interjection queue.
const (
	CommandDone = "/done"
	CommandSkip = "/skip"
	CommandStop = "/stop"
)

// parseCommand returns the recognized command for a queue entry, or "" for
// free text. The leading token is case-insensitive.
func parseCommand(content string) string {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return ""
	}
	switch strings.ToLower(fields[0]) {
	case CommandDone:
		return CommandDone
	case CommandSkip:
		return CommandSkip
	case CommandStop:
		return CommandStop
	default:
		return ""
	}
}
