// Package events provides event types and subject builders for the ticketd
// event system.
package events

import "fmt"

// Event types carried on the bus.
const (
	TicketMessage       = "ticket.message"
	TicketStatusChanged = "ticket.status_changed"
	TicketLog           = "ticket.log"
	TicketStuck         = "ticket.stuck"
)

// Fixed subjects.
const (
	// ConsoleSubject carries every in-progress ticket's messages merged,
	// for console-style observers.
	ConsoleSubject = "console.message"

	// TicketStuckSubject carries watchdog alerts.
	TicketStuckSubject = "ticket.stuck"
)

// TicketMessageSubject returns the per-ticket message subject.
func TicketMessageSubject(ticketID string) string {
	return fmt.Sprintf("ticket.%s.message", ticketID)
}

// TicketStatusSubject returns the per-ticket status subject.
func TicketStatusSubject(ticketID string) string {
	return fmt.Sprintf("ticket.%s.status", ticketID)
}

// TicketLogSubject returns the per-ticket log subject.
func TicketLogSubject(ticketID string) string {
	return fmt.Sprintf("ticket.%s.log", ticketID)
}

// TicketWildcardSubject matches every event of one ticket.
func TicketWildcardSubject(ticketID string) string {
	return fmt.Sprintf("ticket.%s.*", ticketID)
}

// MessageEventData is the payload of TicketMessage events.
type MessageEventData struct {
	TicketID  string `json:"ticket_id"`
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	ToolName  string `json:"tool_name,omitempty"`
	CreatedAt string `json:"created_at"`
}

// StatusEventData is the payload of TicketStatusChanged events.
type StatusEventData struct {
	TicketID string `json:"ticket_id"`
	Status   string `json:"status"`
}

// LogEventData is the payload of TicketLog events.
type LogEventData struct {
	TicketID string `json:"ticket_id"`
	LogType  string `json:"log_type"`
	Text     string `json:"text"`
}

// StuckEventData is the payload of TicketStuck events.
type StuckEventData struct {
	TicketID string `json:"ticket_id"`
	Reason   string `json:"reason"`
}
